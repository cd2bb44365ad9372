package flags

import (
	"os"
	"path/filepath"
	"runtime"
)

// defaultDataDir places the data folder in the user's home directory, with
// the platform-conventional location.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "EdgeCoder")
	case "windows":
		return filepath.Join(home, "AppData", "Local", "EdgeCoder")
	default:
		return filepath.Join(home, ".edgecoder")
	}
}
