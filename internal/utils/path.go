// Package utils provides the filesystem and logging plumbing shared by the
// client and server.
package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath turns a user-supplied path into a cleaned absolute one. Watch
// roots, backup roots and credential files all pass through here before
// validation. Only a bare "~" or a "~/" prefix is expanded; "~user" forms
// are not supported and resolve literally.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", path, err)
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// EnsureParent makes sure the directory holding path exists, creating the
// whole chain if needed. Streamed CREATEs and RETRIEVEs call it before
// opening their target files.
func EnsureParent(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// EnsureDir creates dir and any missing parents. MkdirAll already treats an
// existing directory as success, so no pre-check is needed.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// DirExists reports whether path names an existing directory.
func DirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// FileExists reports whether path names an existing regular file. Symlinks
// are followed; sockets, devices and directories do not count.
func FileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
