package prefs

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// UserPrefsFile holds user_pref statements in the profile directory.
	UserPrefsFile = "prefs.js"
	// ExtensionPrefsFile holds pref statements read by the proxy extension.
	ExtensionPrefsFile = "preferences/extension-overrides.js"

	UserPrefKeyword      = "user_pref"
	ExtensionPrefKeyword = "pref"

	// DefaultHomePage is opened when no URL is requested.
	DefaultHomePage = "https://check.torproject.org/"
)

// BrowserPreferences returns the required sets for the two preference files
// of a browser profile wired to the SOCKS proxy at socksHost:socksPort.
func BrowserPreferences(socksHost string, socksPort int, homePage string) (user, extension RequiredSet) {
	if homePage == "" {
		homePage = DefaultHomePage
	}

	user = RequiredSet{
		Values: map[string]any{
			"browser.startup.homepage":             homePage,
			"network.proxy.no_proxies_on":          socksHost,
			"network.proxy.socks_port":             socksPort,
			"extensions.torbutton.lastUpdateCheck": "1999999999.000",
			"extensions.torbutton.updateNeeded":    false,
		},
		Optional: map[string]bool{
			"browser.startup.homepage":    true,
			"network.proxy.no_proxies_on": true,
		},
	}

	extension = RequiredSet{
		Values: map[string]any{
			"extensions.torbutton.fresh_install":     true,
			"extensions.torbutton.tor_enabled":       true,
			"extensions.torbutton.proxies_applied":   false,
			"extensions.torbutton.settings_applied":  false,
			"extensions.torbutton.socks_host":        socksHost,
			"extensions.torbutton.socks_port":        socksPort,
			"extensions.torbutton.custom.socks_host": socksHost,
			"extensions.torbutton.custom.socks_port": socksPort,
			"extensions.torbutton.settings_method":   "custom",
		},
	}
	return user, extension
}

// ReconcileProfile creates the profile directory if needed and reconciles
// both preference files. It reports whether either file was rewritten.
func (r *Reconciler) ReconcileProfile(profileDir, socksHost string, socksPort int, homePage string) (bool, error) {
	if err := os.MkdirAll(filepath.Join(profileDir, filepath.Dir(ExtensionPrefsFile)), 0o755); err != nil {
		return false, fmt.Errorf("failed to create profile directory %s: %w", profileDir, err)
	}

	user, extension := BrowserPreferences(socksHost, socksPort, homePage)

	userRes, err := r.Reconcile(filepath.Join(profileDir, UserPrefsFile), UserPrefKeyword, user)
	if err != nil {
		return false, err
	}
	extRes, err := r.Reconcile(filepath.Join(profileDir, filepath.FromSlash(ExtensionPrefsFile)), ExtensionPrefKeyword, extension)
	if err != nil {
		return userRes.Dirty, err
	}
	return userRes.Dirty || extRes.Dirty, nil
}
