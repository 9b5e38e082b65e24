// Package prefs keeps browser preference files in line with the values the
// proxy needs. Files consist of statement lines such as
//
//	user_pref("network.proxy.socks_port", 9150);
//
// and any other text, which is preserved untouched.
package prefs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
)

// RequiredSet is the set of keys a preference file must carry.
type RequiredSet struct {
	Values map[string]any

	// Optional keys are appended when missing, but appending them alone
	// does not force a rewrite of the file.
	Optional map[string]bool
}

// Result describes what Reconcile did.
type Result struct {
	Dirty    bool
	Changed  []string // managed keys whose value was replaced
	Appended []string // keys that were missing and added
}

// ErrUnparseable is returned for a managed line whose value cannot be located.
var ErrUnparseable = errors.New("couldn't parse preference line")

// Reconciler rewrites preference files. The zero value is ready to use.
type Reconciler struct {
	Logger *slog.Logger

	rename func(oldpath, newpath string) error
}

// NewReconciler returns a reconciler logging to logger.
func NewReconciler(logger *slog.Logger) *Reconciler {
	return &Reconciler{Logger: logger}
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Reconcile makes sure every key of required is present in the file at path
// with its required value, using statements of the form keyword("key", value);.
// A missing file is treated as empty. The file is only written when it is
// dirty, and then through a temp file and backup so that a failure leaves the
// previous content in place.
func (r *Reconciler) Reconcile(path, keyword string, required RequiredSet) (Result, error) {
	var res Result

	lines, err := readLines(path)
	if err != nil {
		return res, fmt.Errorf("failed to read %s: %w", path, err)
	}

	pending := make(map[string]bool, len(required.Values))
	for key := range required.Values {
		pending[key] = true
	}

	for i, line := range lines {
		key, ok := statementKey(line, keyword)
		if !ok || !pending[key] {
			continue
		}
		delete(pending, key)

		start, end, ok := valueSpan(line)
		if !ok {
			return res, fmt.Errorf("%w: %s: %q", ErrUnparseable, path, line)
		}
		want := FormatValue(required.Values[key])
		span := line[start:end]
		value := strings.TrimSpace(span)
		if value == want {
			continue
		}
		// Only the value changes; the spacing around it stays as written.
		lead := len(span) - len(strings.TrimLeft(span, " \t"))
		trail := len(strings.TrimRight(span, " \t"))
		lines[i] = line[:start] + span[:lead] + want + span[trail:] + line[end:]
		res.Changed = append(res.Changed, key)
		res.Dirty = true
	}

	missing := make([]string, 0, len(pending))
	for key := range pending {
		missing = append(missing, key)
	}
	sort.Strings(missing)
	for _, key := range missing {
		lines = append(lines, Statement(keyword, key, required.Values[key]))
		res.Appended = append(res.Appended, key)
		if !required.Optional[key] {
			res.Dirty = true
		}
	}

	if !res.Dirty {
		r.logger().Debug("Preferences up to date", "file", path)
		return res, nil
	}

	if err := r.writeLines(path, lines); err != nil {
		return res, fmt.Errorf("failed to update %s: %w", path, err)
	}
	r.logger().Info("Preferences updated", "file", path, "changed", res.Changed, "appended", res.Appended)
	return res, nil
}

// Statement renders keyword("key", value);.
func Statement(keyword, key string, value any) string {
	return fmt.Sprintf("%s(%q, %s);", keyword, key, FormatValue(value))
}

// FormatValue renders a preference value the way it appears in a file:
// strings are double quoted, everything else is written literally.
func FormatValue(v any) string {
	switch val := v.(type) {
	case string:
		return `"` + val + `"`
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprint(val)
	}
}

// statementKey returns the quoted key of a keyword statement.
func statementKey(line, keyword string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, keyword) {
		return "", false
	}
	open := strings.IndexByte(line, '"')
	if open < 0 {
		return "", false
	}
	end := strings.IndexByte(line[open+1:], '"')
	if end < 0 {
		return "", false
	}
	return line[open+1 : open+1+end], true
}

// valueSpan locates the value of a statement: it starts right after the
// comma following the key and ends at the closing parenthesis. Quoted values
// may contain parentheses.
func valueSpan(line string) (start, end int, ok bool) {
	open := strings.IndexByte(line, '"')
	closeKey := strings.IndexByte(line[open+1:], '"') + open + 1
	comma := strings.IndexByte(line[closeKey+1:], ',')
	if comma < 0 {
		return 0, 0, false
	}
	start = closeKey + 1 + comma + 1

	i := start
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	if i < len(line) && line[i] == '"' {
		i++
		for i < len(line) && line[i] != '"' {
			if line[i] == '\\' {
				i++
			}
			i++
		}
		if i >= len(line) {
			return 0, 0, false
		}
	}
	paren := strings.IndexByte(line[i:], ')')
	if paren < 0 {
		return 0, 0, false
	}
	return start, i + paren, true
}

// readLines splits the file on '\n' only, so any '\r' stays with its line.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	scanner.Split(splitLF)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func splitLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
