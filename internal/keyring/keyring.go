package keyring

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const (
	serviceName = "browserkeeper"

	// ControlEntry holds the proxy control port password.
	ControlEntry = "control"
)

var (
	ring     keyring.Keyring
	ringOnce sync.Once
	ringErr  error

	// openRing is replaced in tests.
	openRing = func() (keyring.Keyring, error) {
		return keyring.Open(keyring.Config{
			ServiceName: serviceName,
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,      // macOS Keychain
				keyring.SecretServiceBackend, // Linux Secret Service (GNOME Keyring, KWallet)
				keyring.WinCredBackend,       // Windows Credential Manager
				keyring.PassBackend,          // Pass (password-store.org)
			},
		})
	}
)

// initKeyring opens the platform keyring once
func initKeyring() (keyring.Keyring, error) {
	ringOnce.Do(func() {
		ring, ringErr = openRing()
	})
	return ring, ringErr
}

// SetPassword stores a password under entry
func SetPassword(entry, password string) error {
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	return kr.Set(keyring.Item{
		Key:   entry,
		Data:  []byte(password),
		Label: serviceName + " " + entry,
	})
}

// GetPassword retrieves the password stored under entry.
// Returns empty string if no password is stored
func GetPassword(entry string) (string, error) {
	kr, err := initKeyring()
	if err != nil {
		return "", fmt.Errorf("failed to open keyring: %w", err)
	}

	item, err := kr.Get(entry)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve password: %w", err)
	}
	return string(item.Data), nil
}

// DeletePassword removes the password stored under entry
func DeletePassword(entry string) error {
	kr, err := initKeyring()
	if err != nil {
		return fmt.Errorf("failed to open keyring: %w", err)
	}

	if _, err := kr.Get(entry); errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("no password stored for '%s'", entry)
	}
	return kr.Remove(entry)
}

// HasPassword checks if a password is stored under entry
func HasPassword(entry string) bool {
	kr, err := initKeyring()
	if err != nil {
		return false
	}

	_, err = kr.Get(entry)
	return err == nil
}

// ControlPassword returns the stored proxy control password, or "" when
// none is stored or the keyring is unavailable.
func ControlPassword() (string, error) {
	if !HasPassword(ControlEntry) {
		return "", nil
	}
	return GetPassword(ControlEntry)
}
