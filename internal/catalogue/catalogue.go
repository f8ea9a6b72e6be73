package catalogue

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/0xPuncker/mozart-engraver/pkg/types"
	"github.com/samber/lo"
)

var (
	headingRe = regexp.MustCompile(`^(\*+) (.*)$`)
	flagRe    = regexp.MustCompile(`\[([ xX]?)\]`)
)

// Entry is one line of the example list: a heading or an example.
type Entry struct {
	// Level is 1 or 2 for headings and 0 for examples.
	Level   int            `json:"level,omitempty"`
	Title   string         `json:"title,omitempty"`
	Example *types.Example `json:"example,omitempty"`
}

func (e Entry) IsHeading() bool {
	return e.Example == nil
}

type Stats struct {
	Examples int `json:"examples"`
	Input    int `json:"input"`
	Review   int `json:"review"`
	Approved int `json:"approved"`
}

// Catalogue is the parsed example list in file order.
type Catalogue struct {
	Entries []Entry `json:"entries"`
	Stats   Stats   `json:"stats"`
}

// Load reads the example list at path and checks which example files exist
// in projectRoot. A missing list yields an empty catalogue.
func Load(path, projectRoot string) (*Catalogue, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Catalogue{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open example list: %w", err)
	}
	defer f.Close()

	c, err := Parse(f)
	if err != nil {
		return nil, err
	}
	for _, e := range c.Entries {
		if e.Example == nil {
			continue
		}
		e.Example.HasFile = fileExists(filepath.Join(projectRoot, e.Example.Name+".ly"))
		e.Example.HasInclude = fileExists(filepath.Join(projectRoot, e.Example.Name+"-include.ily"))
	}
	return c, nil
}

// Parse reads the list format: blank lines and lines starting with # are
// skipped, "* Title" and "** Title" are headings, everything else is
// "<name> [x] [ ] [x]" with the input, review and approved flags.
func Parse(r io.Reader) (*Catalogue, error) {
	c := &Catalogue{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if m := headingRe.FindStringSubmatch(line); m != nil {
			level := len(m[1])
			if level > 2 {
				level = 2
			}
			c.Entries = append(c.Entries, Entry{Level: level, Title: strings.TrimSpace(m[2])})
			continue
		}

		name, rest, _ := strings.Cut(line, " ")
		flags := lo.Map(flagRe.FindAllStringSubmatch(rest, -1), func(m []string, _ int) bool {
			return strings.EqualFold(m[1], "x")
		})
		flags = append(flags, false, false, false)

		ex := &types.Example{
			Name:     name,
			Input:    flags[0],
			Review:   flags[1],
			Approved: flags[2],
		}
		c.Entries = append(c.Entries, Entry{Example: ex})

		c.Stats.Examples++
		if ex.Input {
			c.Stats.Input++
		}
		if ex.Review {
			c.Stats.Review++
		}
		if ex.Approved {
			c.Stats.Approved++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read example list: %w", err)
	}
	return c, nil
}

// Examples returns all examples in list order.
func (c *Catalogue) Examples() []types.Example {
	return lo.FilterMap(c.Entries, func(e Entry, _ int) (types.Example, bool) {
		if e.Example == nil {
			return types.Example{}, false
		}
		return *e.Example, true
	})
}

func (c *Catalogue) Names() []string {
	return lo.Map(c.Examples(), func(e types.Example, _ int) string { return e.Name })
}

func (c *Catalogue) Lookup(name string) (types.Example, bool) {
	return lo.Find(c.Examples(), func(e types.Example) bool { return e.Name == name })
}

// Visible returns the names of the examples matching f, in list order.
func (c *Catalogue) Visible(f Filter) []string {
	return lo.FilterMap(c.Examples(), func(e types.Example, _ int) (string, bool) {
		return e.Name, f.Match(e)
	})
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
