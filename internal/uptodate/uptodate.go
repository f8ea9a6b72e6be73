// Package uptodate decides whether an example output needs rebuilding.
//
// The check compares modification times only. It does not notice changed
// include files, and a VCS checkout that rewrites timestamps without
// changing content triggers needless rebuilds. Treat the result as a hint.
package uptodate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/0xPuncker/mozart-engraver/internal/config"
	"github.com/0xPuncker/mozart-engraver/pkg/types"
)

type Checker struct {
	settings *config.Settings
}

func New(settings *config.Settings) *Checker {
	return &Checker{settings: settings}
}

// UpToDate reports whether the output of example for type t exists and is
// not older than the example source. A missing source counts as stale so
// the engrave job runs and reports the failure.
func (c *Checker) UpToDate(example string, t types.OutputType) (bool, error) {
	f, err := c.settings.Formats.Lookup(t)
	if err != nil {
		return false, err
	}

	out, ok, err := modTime(filepath.Join(c.settings.ExportDir, f.OutputName(example)))
	if err != nil || !ok {
		return false, err
	}

	in, ok, err := modTime(c.Source(example))
	if err != nil || !ok {
		return false, err
	}
	return !out.Before(in), nil
}

// Source is the path of the example's input file.
func (c *Checker) Source(example string) string {
	return filepath.Join(c.settings.ProjectRoot, example+".ly")
}

func modTime(path string) (time.Time, bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info.ModTime(), true, nil
}
