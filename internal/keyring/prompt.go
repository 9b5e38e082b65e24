package keyring

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNoTerminal is returned when a prompt needs a terminal and none is attached.
var ErrNoTerminal = errors.New("no terminal available for prompt")

// openTTY returns /dev/tty when available and stdin otherwise. The returned
// close function is always safe to call.
func openTTY() (*os.File, func()) {
	tty, err := os.Open("/dev/tty")
	if err != nil {
		return os.Stdin, func() {}
	}
	return tty, func() { tty.Close() }
}

// PromptPassword prompts the user to enter a password securely (no echo)
func PromptPassword(entry string) (string, error) {
	fmt.Fprintf(os.Stderr, "Enter password for '%s': ", entry)

	tty, done := openTTY()
	defer done()

	passwordBytes, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	return string(passwordBytes), nil
}

// PromptAndConfirmPassword prompts for a password twice and confirms they match
func PromptAndConfirmPassword(entry string) (string, error) {
	password1, err := PromptPassword(entry)
	if err != nil {
		return "", err
	}

	fmt.Fprintf(os.Stderr, "Confirm password for '%s': ", entry)

	tty, done := openTTY()
	defer done()

	passwordBytes, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password confirmation: %w", err)
	}

	if password1 != string(passwordBytes) {
		return "", fmt.Errorf("passwords do not match")
	}

	return password1, nil
}

// Confirm asks a yes/no question on the terminal. Without a terminal it
// returns ErrNoTerminal.
func Confirm(question string) (bool, error) {
	tty, done := openTTY()
	defer done()

	if !term.IsTerminal(int(tty.Fd())) {
		return false, ErrNoTerminal
	}

	fmt.Fprintf(os.Stderr, "%s [y/N]: ", question)
	return readYesNo(tty)
}

func readYesNo(r io.Reader) (bool, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
