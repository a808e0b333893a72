// Package browser opens URLs in the user's default browser, with a simple
// availability check for headless environments.
package browser

import (
	"os"
	"runtime"

	"github.com/pkg/browser"
)

// IsAvailable reports whether a graphical browser is likely reachable from
// this process. Headless Linux sessions (no display, SSH) cannot open one.
func IsAvailable() bool {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return true
	}
	if os.Getenv("SSH_CONNECTION") != "" && os.Getenv("DISPLAY") == "" {
		return false
	}
	return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
}

// OpenURL opens the URL in the default browser.
func OpenURL(url string) error {
	return browser.OpenURL(url)
}
