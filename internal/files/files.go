// Package files implements generic file tools missing from the standard library.
package files

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Exists returns true if file or directory exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It may panic with an error if `dir` has an unknown user (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) string {
	if len(dir) == 0 || dir[0] != '~' {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(errors.Wrapf(err, "failed to find home directory for %q", dir))
	}
	if len(dir) > 1 && dir[1] != filepath.Separator {
		panic(errors.Errorf("user-specific home directories (%q) are not supported", dir))
	}
	return filepath.Join(homeDir, strings.TrimPrefix(dir[1:], string(filepath.Separator)))
}
