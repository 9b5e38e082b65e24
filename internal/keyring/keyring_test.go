package keyring

import (
	"strings"
	"sync"
	"testing"

	"github.com/99designs/keyring"
)

// useArrayKeyring swaps the platform keyring for an in-memory one.
func useArrayKeyring(t *testing.T) {
	t.Helper()
	oldOpen := openRing
	openRing = func() (keyring.Keyring, error) {
		return keyring.NewArrayKeyring(nil), nil
	}
	ring, ringErr, ringOnce = nil, nil, sync.Once{}
	t.Cleanup(func() {
		openRing = oldOpen
		ring, ringErr, ringOnce = nil, nil, sync.Once{}
	})
}

func TestPasswordRoundTrip(t *testing.T) {
	useArrayKeyring(t)

	if HasPassword(ControlEntry) {
		t.Fatal("expected empty keyring")
	}
	if pw, err := GetPassword(ControlEntry); err != nil || pw != "" {
		t.Fatalf("GetPassword on empty keyring = %q, %v", pw, err)
	}

	if err := SetPassword(ControlEntry, "hunter2"); err != nil {
		t.Fatalf("SetPassword failed: %v", err)
	}
	if !HasPassword(ControlEntry) {
		t.Error("expected password to be stored")
	}
	if pw, err := ControlPassword(); err != nil || pw != "hunter2" {
		t.Errorf("ControlPassword = %q, %v", pw, err)
	}

	if err := DeletePassword(ControlEntry); err != nil {
		t.Fatalf("DeletePassword failed: %v", err)
	}
	if pw, err := ControlPassword(); err != nil || pw != "" {
		t.Errorf("ControlPassword after delete = %q, %v", pw, err)
	}
}

func TestDeleteMissingPassword(t *testing.T) {
	useArrayKeyring(t)

	err := DeletePassword("nope")
	if err == nil || !strings.Contains(err.Error(), "no password stored for 'nope'") {
		t.Errorf("DeletePassword = %v", err)
	}
}

func TestReadYesNo(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"  yes  \r\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"maybe\n", false},
	}
	for _, tt := range tests {
		got, err := readYesNo(strings.NewReader(tt.in))
		if err != nil {
			t.Fatalf("readYesNo(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("readYesNo(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
