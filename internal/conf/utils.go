package conf

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/tphakala/feedimages/internal/errors"
)

const osWindows = "windows"

// GetDefaultConfigPaths returns the directories searched for config.yaml:
// the working directory, then the per-user config dir, then a system path.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategorySystem).
			Context("operation", "get-home-directory").
			Build()
	}

	if runtime.GOOS == osWindows {
		return []string{
			".",
			filepath.Join(homeDir, "AppData", "Roaming", "feedimages"),
		}, nil
	}

	return []string{
		".",
		filepath.Join(homeDir, ".config", "feedimages"),
		"/etc/feedimages",
	}, nil
}
