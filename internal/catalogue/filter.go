package catalogue

import (
	"fmt"
	"strings"

	"github.com/0xPuncker/mozart-engraver/pkg/types"
)

// Tri is a three-state filter criterion.
type Tri int

const (
	Any Tri = iota
	No
	Yes
)

func ParseTri(s string) (Tri, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return Any, nil
	case "no", "false":
		return No, nil
	case "yes", "true":
		return Yes, nil
	default:
		return Any, fmt.Errorf("invalid filter value: %s", s)
	}
}

func (t Tri) String() string {
	switch t {
	case No:
		return "nein"
	case Yes:
		return "ja"
	default:
		return "egal"
	}
}

func (t Tri) match(v bool) bool {
	switch t {
	case No:
		return !v
	case Yes:
		return v
	default:
		return true
	}
}

// Filter selects examples by file presence and workflow flags.
type Filter struct {
	File     Tri `json:"file"`
	Input    Tri `json:"input"`
	Review   Tri `json:"review"`
	Approved Tri `json:"approved"`
}

func (f Filter) Active() bool {
	return f != Filter{}
}

func (f Filter) Match(e types.Example) bool {
	return f.File.match(e.HasFile) &&
		f.Input.match(e.Input) &&
		f.Review.match(e.Review) &&
		f.Approved.match(e.Approved)
}

// Notes describes the active criteria, one line each, in the wording used
// by the overview document.
func (f Filter) Notes() []string {
	var notes []string
	for _, c := range []struct {
		label string
		value Tri
	}{
		{"Datei vorhanden", f.File},
		{"Eingegeben", f.Input},
		{"Zur Abnahme", f.Review},
		{"Abgenommen", f.Approved},
	} {
		if c.value != Any {
			notes = append(notes, fmt.Sprintf("%s: %s", c.label, c.value))
		}
	}
	return notes
}
