// Package overview writes the LaTeX document that collects every engraved
// example in catalogue order.
package overview

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/0xPuncker/mozart-engraver/internal/catalogue"
	"github.com/0xPuncker/mozart-engraver/internal/job"
)

type Options struct {
	// Name is the file stem; filtered documents get a "_gefiltert" suffix.
	Name string
	// Visible restricts the document to these examples. Nil means all.
	Visible []string
	// Notes are printed as the active filter criteria.
	Notes []string
}

func (o Options) filtered() bool {
	return o.Visible != nil
}

// Path returns the .tex path the document is written to.
func Path(exportDir string, opts Options) string {
	name := opts.Name
	if name == "" {
		name = "Notenbeispiele"
	}
	if opts.filtered() {
		name += "_gefiltert"
	}
	return filepath.Join(exportDir, name+".tex")
}

// PDFPath is the document pdflatex produces from tex.
func PDFPath(tex string) string {
	return strings.TrimSuffix(tex, filepath.Ext(tex)) + ".pdf"
}

// Command compiles tex in its own directory.
func Command(tool, tex string) job.Command {
	if tool == "" {
		tool = "pdflatex"
	}
	return job.Command{
		Name: tool,
		Args: []string{"-interaction=nonstopmode", filepath.Base(tex)},
		Dir:  filepath.Dir(tex),
	}
}

// Write renders the document for cat and stores it in exportDir.
func Write(cat *catalogue.Catalogue, exportDir string, opts Options) (string, error) {
	src, err := Render(cat, exportDir, opts)
	if err != nil {
		return "", err
	}
	path := Path(exportDir, opts)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		return "", fmt.Errorf("failed to write overview: %w", err)
	}
	return path, nil
}

// Render builds the document source. Every example either embeds its
// per-system PDFs, or is marked as filtered out or not available.
func Render(cat *catalogue.Catalogue, exportDir string, opts Options) (string, error) {
	visible := make(map[string]bool, len(opts.Visible))
	for _, name := range opts.Visible {
		visible[name] = true
	}

	var b strings.Builder
	line := func(s string) {
		b.WriteString(s)
		b.WriteByte('\n')
	}

	line(`\documentclass[b5paper]{scrartcl}`)
	line(`\usepackage{graphicx}`)
	line(`\usepackage[margin=1cm]{geometry}`)
	line(`\setlength{\parindent}{0pt}`)
	line(`\begin{document}`)
	line(`\section*{Leopold Mozart: Violinschule (1756) -- Notenbeispiele}`)
	line(`Dieses Dokument enthält die bereits gesetzten Notenbeispiele`)
	line(`aus der Violinschule von Leopold Mozart (Ausgabe 1756).`)

	if opts.filtered() && len(opts.Notes) > 0 {
		line(`Die Auswahl ist gefiltert nach folgenden Kriterien:`)
		line(``)
		line(`\begin{itemize}`)
		line(`\itemsep 0em`)
		for _, n := range opts.Notes {
			line(`\item ` + n)
		}
		line(`\end{itemize}`)
	}

	line(`Farbig markierte Elemente verweisen auf Annotationen,`)
	line(`die im Quelltext des jeweiligen Beispiels nachgelesen werden`)
	line(`können. Für die Publikation wird die Farbverwendung einfach`)
	line(`deaktiviert. \emph{Dunkelgrün} steht für kritische Anmerkungen,`)
	line(`\emph{Hellgrün} für noch zu entscheidende inhaltliche Fragen,`)
	line(`und \emph{Rot} verweist auf zu lösende technische Probleme.\par`)

	for _, e := range cat.Entries {
		if e.IsHeading() {
			if e.Level == 1 {
				line(fmt.Sprintf(`\subsection*{%s}`, e.Title))
			} else {
				line(fmt.Sprintf(`\subsubsection*{%s}`, e.Title))
			}
			continue
		}

		name := e.Example.Name
		escaped := strings.ReplaceAll(name, "_", `\_`)
		if opts.filtered() && !visible[name] {
			line(fmt.Sprintf(`\texttt{%s} -- gefiltert\par`, escaped))
			continue
		}

		count, ok, err := SystemCount(exportDir, name)
		if err != nil {
			return "", err
		}
		if !ok {
			line(fmt.Sprintf(`\texttt{%s} -- nicht vorhanden\par`, escaped))
			continue
		}

		line(fmt.Sprintf(`\texttt{%s} -- %d Akkolade(n)`, escaped, count))
		line(`\par\nobreak\bigskip\nobreak`)
		for i := 1; i <= count; i++ {
			line(fmt.Sprintf(`\includegraphics{%s-%d.pdf}\par`, name, i))
			line(`\medskip`)
		}
	}

	line(`\end{document}`)
	return b.String(), nil
}

// SystemCount reads <example>-systems.count from exportDir.
func SystemCount(exportDir, example string) (int, bool, error) {
	data, err := os.ReadFile(filepath.Join(exportDir, example+"-systems.count"))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read system count: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("invalid system count for %s: %w", example, err)
	}
	return n, true, nil
}
