package format

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/0xPuncker/mozart-engraver/internal/job"
	"github.com/0xPuncker/mozart-engraver/pkg/types"
	"github.com/samber/lo"
	"github.com/valyala/fasttemplate"
	"gopkg.in/yaml.v3"
)

var ErrUnknownFormat = errors.New("unknown output format")

// Format describes one output type. The primary format is produced by the
// engraver; every other format is derived from it by running Tool with Args.
//
// Args are templates. Supported tags: {input}, {output}, {basename},
// {resolution}.
type Format struct {
	Type       types.OutputType `yaml:"type" json:"type"`
	Primary    bool             `yaml:"primary" json:"primary"`
	Suffix     string           `yaml:"suffix" json:"suffix"`
	Tool       string           `yaml:"tool,omitempty" json:"tool,omitempty"`
	Args       []string         `yaml:"args,omitempty" json:"args,omitempty"`
	Resolution string           `yaml:"resolution,omitempty" json:"resolution,omitempty"`
}

// OutputName is the canonical file name of this format for an example.
func (f Format) OutputName(example string) string {
	return example + f.Suffix
}

// Command builds the conversion command for a derived format. input is the
// path of the primary output; the command runs in its directory.
func (f Format) Command(input string) (job.Command, error) {
	if f.Primary {
		return job.Command{}, fmt.Errorf("format %s is produced by the engraver", f.Type)
	}
	if f.Tool == "" {
		return job.Command{}, fmt.Errorf("format %s has no conversion tool", f.Type)
	}

	dir, file := filepath.Split(input)
	basename := strings.TrimSuffix(file, filepath.Ext(file))
	values := map[string]interface{}{
		"input":      file,
		"output":     basename + f.Suffix,
		"basename":   basename,
		"resolution": f.Resolution,
	}

	args := make([]string, 0, len(f.Args))
	for _, a := range f.Args {
		args = append(args, fasttemplate.ExecuteString(a, "{", "}", values))
	}
	return job.Command{
		Name: f.Tool,
		Args: args,
		Dir:  filepath.Clean(dir),
	}, nil
}

// Registry is the ordered set of output types known to a batch.
type Registry struct {
	formats []Format
}

func Default() *Registry {
	r, _ := New(
		Format{Type: types.OutputPDF, Primary: true, Suffix: ".pdf"},
		Format{
			Type:       types.OutputPNG300,
			Suffix:     "-300.png",
			Tool:       "convert",
			Args:       []string{"-density", "{resolution}x{resolution}", "{input}", "{output}"},
			Resolution: "300",
		},
		Format{
			Type:       types.OutputPNG72,
			Suffix:     "-72.png",
			Tool:       "convert",
			Args:       []string{"-density", "{resolution}x{resolution}", "{input}", "{output}"},
			Resolution: "72",
		},
		Format{
			Type:   types.OutputSVG,
			Suffix: ".svg",
			Tool:   "pdftocairo",
			Args:   []string{"-svg", "{input}", "{output}"},
		},
	)
	return r
}

// New validates the formats: types must be unique and exactly one format
// must be primary.
func New(formats ...Format) (*Registry, error) {
	seen := make(map[types.OutputType]bool, len(formats))
	primaries := 0
	for i, f := range formats {
		if f.Type == "" {
			return nil, fmt.Errorf("format %d has no type", i)
		}
		if seen[f.Type] {
			return nil, fmt.Errorf("duplicate format %s", f.Type)
		}
		seen[f.Type] = true
		if f.Suffix == "" {
			return nil, fmt.Errorf("format %s has no suffix", f.Type)
		}
		if f.Primary {
			primaries++
		} else if f.Tool == "" {
			return nil, fmt.Errorf("format %s has no conversion tool", f.Type)
		}
	}
	if primaries != 1 {
		return nil, fmt.Errorf("expected exactly one primary format, got %d", primaries)
	}
	return &Registry{formats: formats}, nil
}

type file struct {
	Formats []Format `yaml:"formats"`
}

// Load reads a formats.yaml file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read formats file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse formats file: %w", err)
	}
	for i := range f.Formats {
		f.Formats[i].Type = types.OutputType(strings.ToUpper(string(f.Formats[i].Type)))
	}
	return New(f.Formats...)
}

func (r *Registry) Formats() []Format {
	return append([]Format(nil), r.formats...)
}

func (r *Registry) Types() []types.OutputType {
	return lo.Map(r.formats, func(f Format, _ int) types.OutputType {
		return f.Type
	})
}

func (r *Registry) Primary() Format {
	f, _ := lo.Find(r.formats, func(f Format) bool { return f.Primary })
	return f
}

func (r *Registry) Derived() []Format {
	return lo.Filter(r.formats, func(f Format, _ int) bool { return !f.Primary })
}

func (r *Registry) Lookup(t types.OutputType) (Format, error) {
	f, ok := lo.Find(r.formats, func(f Format) bool { return f.Type == t })
	if !ok {
		return Format{}, fmt.Errorf("%w: %s", ErrUnknownFormat, t)
	}
	return f, nil
}

// Index returns the column position of t, or -1.
func (r *Registry) Index(t types.OutputType) int {
	_, i, ok := lo.FindIndexOf(r.formats, func(f Format) bool { return f.Type == t })
	if !ok {
		return -1
	}
	return i
}
