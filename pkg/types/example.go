package types

import (
	"fmt"
	"strings"
)

// OutputType names one product of an example: the engraved PDF or a derived format.
type OutputType string

const (
	OutputPDF    OutputType = "PDF"
	OutputPNG300 OutputType = "PNG300"
	OutputPNG72  OutputType = "PNG72"
	OutputSVG    OutputType = "SVG"
)

func ParseOutputType(s string) (OutputType, error) {
	t := OutputType(strings.ToUpper(strings.TrimSpace(s)))
	if t == "" {
		return "", fmt.Errorf("empty output type")
	}
	return t, nil
}

// Example is one catalogue entry as seen by the batch core. The catalogue owns it.
type Example struct {
	Name       string `json:"name"`
	HasFile    bool   `json:"has_file"`
	HasInclude bool   `json:"has_include"`
	Input      bool   `json:"input"`
	Review     bool   `json:"review"`
	Approved   bool   `json:"approved"`
	UpToDate   bool   `json:"up_to_date"`
}

type OverviewMode string

const (
	OverviewNone    OverviewMode = ""
	OverviewAll     OverviewMode = "all"
	OverviewVisible OverviewMode = "visible"
)

func ParseOverviewMode(s string) (OverviewMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return OverviewNone, nil
	case "all":
		return OverviewAll, nil
	case "visible":
		return OverviewVisible, nil
	default:
		return OverviewNone, fmt.Errorf("invalid overview mode: %s", s)
	}
}

// ResultState is the per (example, type) cell shown in the results grid.
type ResultState string

const (
	ResultPending   ResultState = "pending"
	ResultSkipped   ResultState = "skipped"
	ResultRunning   ResultState = "running"
	ResultSucceeded ResultState = "succeeded"
	ResultFailed    ResultState = "failed"
	ResultAborted   ResultState = "aborted"
	// ResultNotBuilt marks a derived output whose engraving produced nothing.
	ResultNotBuilt ResultState = "not-built"
)
