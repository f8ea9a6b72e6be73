package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/0xPuncker/mozart-engraver/internal/format"
	"github.com/0xPuncker/mozart-engraver/pkg/types"
	"github.com/joho/godotenv"
)

var ErrMissingLibraryRoot = errors.New("library root file not found")

type Config struct {
	Server   ServerConfig    `json:"server"`
	Project  ProjectConfig   `json:"project"`
	Tools    ToolsConfig     `json:"tools"`
	Poller   PollerConfig    `json:"poller"`
	Watch    WatchConfig     `json:"watch"`
	Results  ResultsConfig   `json:"results"`
	Slack    SlackConfig     `json:"slack"`
	Jobs     types.JobConfig `json:"jobs"`
	LogLevel string          `json:"log_level"`
}

type ServerConfig struct {
	Port         string `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
}

type ProjectConfig struct {
	Root            string `json:"root"`
	Export          string `json:"export"`
	Runners         int    `json:"runners"`
	LibraryRootFile string `json:"library_root_file"`
	Catalogue       string `json:"catalogue"`
	FormatsFile     string `json:"formats_file"`
	OverviewName    string `json:"overview_name"`
}

type ToolsConfig struct {
	Engraver     string   `json:"engraver"`
	EngraveFlags []string `json:"engrave_flags"`
	Overview     string   `json:"overview"`
}

type PollerConfig struct {
	Interval string `json:"interval"`
}

type WatchConfig struct {
	Enabled  bool   `json:"enabled"`
	Debounce string `json:"debounce"`
}

type ResultsConfig struct {
	Retention string `json:"retention"`
}

type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
}

func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if err := godotenv.Load(); err != nil {
			if err := godotenv.Load(".env.local"); err != nil {
				fmt.Printf("No .env or .env.local file found. Using environment variables.\n")
			}
		}

		for _, env := range []string{
			"PORT",
			"MOZART_ROOT",
			"MOZART_EXPORT",
			"MOZART_RUNNERS",
		} {
			fmt.Printf("%s=%s\n", env, os.Getenv(env))
		}

		cfg := DefaultConfig()
		cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
		cfg.Project.Root = getEnv("MOZART_ROOT", cfg.Project.Root)
		cfg.Project.Export = getEnv("MOZART_EXPORT", cfg.Project.Export)
		if n, err := strconv.Atoi(os.Getenv("MOZART_RUNNERS")); err == nil {
			cfg.Project.Runners = n
		}
		cfg.Poller.Interval = getEnv("POLLER_INTERVAL", cfg.Poller.Interval)
		cfg.Slack.WebhookURL = getEnv("SLACK_WEBHOOK_URL", cfg.Slack.WebhookURL)
		cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
		return cfg, nil
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  "10s",
			WriteTimeout: "10s",
		},
		Project: ProjectConfig{
			Runners:         1,
			LibraryRootFile: "openlilylib-root",
			Catalogue:       filepath.Join("vorlage", "beispiel-liste"),
			OverviewName:    "Notenbeispiele",
		},
		Tools: ToolsConfig{
			Engraver:     "lilypond",
			EngraveFlags: []string{"-dcrop", "-dsystems"},
			Overview:     "pdflatex",
		},
		Poller: PollerConfig{
			Interval: "1s",
		},
		Watch: WatchConfig{
			Debounce: "2s",
		},
		Results: ResultsConfig{
			Retention: "24h",
		},
		Jobs: types.JobConfig{
			MaxConcurrent: 1,
		},
		LogLevel: "info",
	}
}

// Timings holds the parsed durations of the config.
type Timings struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PollInterval time.Duration
	Debounce     time.Duration
	Retention    time.Duration
}

func (c *Config) Timings() (Timings, error) {
	var t Timings
	for _, d := range []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"server.read_timeout", c.Server.ReadTimeout, &t.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout, &t.WriteTimeout},
		{"poller.interval", c.Poller.Interval, &t.PollInterval},
		{"watch.debounce", c.Watch.Debounce, &t.Debounce},
		{"results.retention", c.Results.Retention, &t.Retention},
	} {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return Timings{}, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dest = v
	}
	return t, nil
}

// Settings is everything a batch needs, resolved once from the config and
// passed down to the queue, the handlers and the checker.
type Settings struct {
	ProjectRoot   string
	ExportDir     string
	LibraryRoot   string
	Runners       int
	Engraver      string
	EngraveFlags  []string
	OverviewTool  string
	Formats       *format.Registry
	OverviewName  string
	CatalogueFile string
}

// Settings resolves the project paths, reads the library root file and
// loads the output formats. A missing library root file is fatal.
func (c *Config) Settings() (*Settings, error) {
	p := c.Project
	if p.Root == "" {
		return nil, fmt.Errorf("project root is not configured")
	}
	root, err := filepath.Abs(p.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	export := p.Export
	if export == "" {
		export = filepath.Join(root, "export")
	} else if !filepath.IsAbs(export) {
		export = filepath.Join(root, export)
	}

	libRoot, err := ReadLibraryRoot(filepath.Join(root, p.LibraryRootFile))
	if err != nil {
		return nil, err
	}

	formats := format.Default()
	if p.FormatsFile != "" {
		formats, err = format.Load(p.FormatsFile)
		if err != nil {
			return nil, err
		}
	} else if path, err := locate("formats.yaml"); err == nil {
		formats, err = format.Load(path)
		if err != nil {
			return nil, err
		}
	}

	catalogue := p.Catalogue
	if !filepath.IsAbs(catalogue) {
		catalogue = filepath.Join(root, catalogue)
	}

	return &Settings{
		ProjectRoot:   root,
		ExportDir:     export,
		LibraryRoot:   libRoot,
		Runners:       ClampRunners(p.Runners),
		Engraver:      c.Tools.Engraver,
		EngraveFlags:  append([]string(nil), c.Tools.EngraveFlags...),
		OverviewTool:  c.Tools.Overview,
		Formats:       formats,
		OverviewName:  p.OverviewName,
		CatalogueFile: catalogue,
	}, nil
}

// ReadLibraryRoot returns the trimmed include path stored in path.
func ReadLibraryRoot(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMissingLibraryRoot, path, err)
	}
	libRoot := strings.TrimSpace(string(data))
	if libRoot == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrMissingLibraryRoot, path)
	}
	return libRoot, nil
}

// ClampRunners bounds n to 1..runtime.NumCPU().
func ClampRunners(n int) int {
	if n < 1 {
		return 1
	}
	if max := runtime.NumCPU(); n > max {
		return max
	}
	return n
}

// locate looks for config/<name> or <name> in the working directory and up
// to two of its parents.
func locate(name string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for i := 0; i < 3; i++ {
		for _, path := range []string{
			filepath.Join(wd, "config", name),
			filepath.Join(wd, name),
		} {
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
		parent := filepath.Dir(wd)
		if parent == wd {
			break
		}
		wd = parent
	}
	return "", fmt.Errorf("%s not found", name)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
