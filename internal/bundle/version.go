package bundle

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"
)

// ErrInvalidVersion is returned for version strings that are not dotted numerics.
var ErrInvalidVersion = errors.New("invalid version")

// ParseVersion parses a dotted numeric version such as "5.0.3".
//
// Only digits and dots are accepted. Prerelease tags, a leading "v" and
// empty components are rejected even though go-version would accept some
// of them, because bundle and install names never carry them.
func ParseVersion(s string) (*version.Version, error) {
	if !isNumericVersion(s) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	v, err := version.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, s, err)
	}
	return v, nil
}

// CompareVersions compares two dotted numeric versions component by
// component, padding the shorter one with zeros. It returns -1, 0 or 1.
// Invalid versions sort before every valid one.
func CompareVersions(a, b string) int {
	va, errA := ParseVersion(a)
	vb, errB := ParseVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

func isNumericVersion(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		for _, c := range part {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}
