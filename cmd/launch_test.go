package cmd

import "testing"

func TestLaunchCommand(t *testing.T) {
	tests := []struct {
		name string
		url  string
		opts launchOptions
		want string
	}{
		{"home page", "", launchOptions{}, "LAUNCH -"},
		{"blank url", "   ", launchOptions{}, "LAUNCH -"},
		{"url", "https://example.org/", launchOptions{}, "LAUNCH https://example.org/"},
		{"spaces escaped", "https://example.org/a b", launchOptions{}, "LAUNCH https://example.org/a%20b"},
		{"new window", "https://example.org/", launchOptions{newWindow: true}, "LAUNCH https://example.org/ new_window"},
		{
			"all options",
			"https://example.org/",
			launchOptions{newWindow: true, allowUnmanaged: true, detach: true},
			"LAUNCH https://example.org/ new_window allow_unmanaged detach",
		},
		{"detached home page", "", launchOptions{detach: true}, "LAUNCH - detach"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := launchCommand(tt.url, tt.opts); got != tt.want {
				t.Errorf("launchCommand(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}
