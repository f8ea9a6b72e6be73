package handler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/0xPuncker/mozart-engraver/internal/job"
	"github.com/0xPuncker/mozart-engraver/internal/queue"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// EngraveHandler engraves one example to the primary format.
type EngraveHandler struct {
	base
	exportDir string
	results   []string
}

func NewEngrave(opts Options, example string) *EngraveHandler {
	s := opts.Settings
	primary := s.Formats.Primary()

	h := &EngraveHandler{
		base:      newBase(opts, example, primary.Type, filepath.Join(s.ExportDir, primary.OutputName(example))),
		exportDir: s.ExportDir,
	}
	h.job = job.New(
		fmt.Sprintf("%s: %s", example, strings.ToLower(string(primary.Type))),
		EngraveCommand(s.Engraver, s.EngraveFlags, s.ProjectRoot, s.LibraryRoot, s.ExportDir, example),
		opts.Executor,
	)
	return h
}

// EngraveCommand builds the engraver invocation for one example.
func EngraveCommand(engraver string, flags []string, root, libRoot, exportDir, example string) job.Command {
	args := append([]string(nil), flags...)
	args = append(args,
		"-ddelete-intermediate-files",
		"--include="+root,
		"--include="+libRoot,
		"--output="+filepath.Join(exportDir, example),
		filepath.Join(root, example+".ly"),
	)
	return job.Command{Name: engraver, Args: args, Dir: root}
}

func (h *EngraveHandler) Enqueue(q *queue.Queue) error {
	return enqueue(q, h, h.cleanupFiles, h.notifier)
}

// ResultFiles returns the PDFs left in the export directory after cleanup.
// Only valid once the handler has been notified as done.
func (h *EngraveHandler) ResultFiles() []string {
	return append([]string(nil), h.results...)
}

// cleanupFiles keeps only the PDFs and the systems count file of this
// example. A cropped PDF becomes the canonical primary output.
func (h *EngraveHandler) cleanupFiles() {
	entries, err := os.ReadDir(h.exportDir)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"example": h.example,
			"dir":     h.exportDir,
		}).Warnf("Failed to list export directory: %v", err)
		return
	}

	cropped := h.example + ".cropped.pdf"
	var results []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !ownedBy(name, h.example) {
			continue
		}
		path := filepath.Join(h.exportDir, name)

		if name == cropped {
			if err := os.Rename(path, h.output); err != nil {
				h.warn(name, err)
				continue
			}
			path = h.output
			name = filepath.Base(h.output)
		}

		switch filepath.Ext(name) {
		case ".pdf":
			if !lo.Contains(results, path) {
				results = append(results, path)
			}
		case ".count":
		default:
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				h.warn(name, err)
			}
		}
	}
	h.results = results
}

func (h *EngraveHandler) warn(file string, err error) {
	h.logger.WithFields(logrus.Fields{
		"example": h.example,
		"file":    file,
	}).Warnf("Cleanup failed: %v", err)
}

// ownedBy reports whether name is one of example's files. Requiring a
// separator after the name keeps 1756_001_1 from matching 1756_001_10.
func ownedBy(name, example string) bool {
	return strings.HasPrefix(name, example+".") || strings.HasPrefix(name, example+"-")
}
