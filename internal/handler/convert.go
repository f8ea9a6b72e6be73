package handler

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/0xPuncker/mozart-engraver/internal/format"
	"github.com/0xPuncker/mozart-engraver/internal/job"
	"github.com/0xPuncker/mozart-engraver/internal/queue"
	"github.com/sirupsen/logrus"
)

// ConversionHandler converts an example's primary output to a derived format.
type ConversionHandler struct {
	base
	input string
}

// NewConversion builds the conversion job for input, the primary output of
// example.
func NewConversion(opts Options, example, input string, f format.Format) (*ConversionHandler, error) {
	cmd, err := f.Command(input)
	if err != nil {
		return nil, err
	}

	h := &ConversionHandler{
		base:  newBase(opts, example, f.Type, filepath.Join(filepath.Dir(input), f.OutputName(example))),
		input: input,
	}
	h.job = job.New(
		fmt.Sprintf("%s: %s", example, strings.ToLower(string(f.Type))),
		cmd,
		opts.Executor,
	)
	return h, nil
}

func (h *ConversionHandler) Input() string {
	return h.input
}

func (h *ConversionHandler) Enqueue(q *queue.Queue) error {
	return enqueue(q, h, h.cleanupFiles, h.notifier)
}

// cleanupFiles handles multi-page input: the converter then writes
// <base>-0<ext>, <base>-1<ext>, ... instead of the canonical name. The
// first page becomes the canonical output, the others are dropped.
func (h *ConversionHandler) cleanupFiles() {
	dir := filepath.Dir(h.output)
	ext := filepath.Ext(h.output)
	stem := strings.TrimSuffix(filepath.Base(h.output), ext)

	entries, err := os.ReadDir(dir)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"example": h.example,
			"dir":     dir,
		}).Warnf("Failed to list export directory: %v", err)
		return
	}

	numbered := regexp.MustCompile("^" + regexp.QuoteMeta(stem) + `-(\d+)` + regexp.QuoteMeta(ext) + "$")
	for _, e := range entries {
		m := numbered.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if m[1] == "0" {
			err = os.Rename(path, h.output)
		} else {
			err = os.Remove(path)
		}
		if err != nil && !os.IsNotExist(err) {
			h.logger.WithFields(logrus.Fields{
				"example": h.example,
				"type":    h.typ,
				"file":    e.Name(),
			}).Warnf("Cleanup failed: %v", err)
		}
	}
}
