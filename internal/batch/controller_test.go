package batch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/0xPuncker/mozart-engraver/internal/catalogue"
	"github.com/0xPuncker/mozart-engraver/internal/config"
	"github.com/0xPuncker/mozart-engraver/internal/format"
	"github.com/0xPuncker/mozart-engraver/internal/job"
	"github.com/0xPuncker/mozart-engraver/internal/queue"
	"github.com/0xPuncker/mozart-engraver/internal/results"
	"github.com/0xPuncker/mozart-engraver/internal/testutil"
	"github.com/0xPuncker/mozart-engraver/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	settings *config.Settings
	exec     *testutil.GateExecutor
	results  *results.Store
	opened   chan string
}

func newFixture(t *testing.T, runners int, examples ...string) *fixture {
	t.Helper()
	root := t.TempDir()
	export := filepath.Join(root, "export")
	require.NoError(t, os.MkdirAll(export, 0o755))

	past := time.Now().Add(-time.Hour)
	for _, ex := range examples {
		path := filepath.Join(root, ex+".ly")
		require.NoError(t, os.WriteFile(path, []byte(`\version "2.24.0"`), 0o644))
		require.NoError(t, os.Chtimes(path, past, past))
	}

	f := &fixture{
		settings: &config.Settings{
			ProjectRoot:  root,
			ExportDir:    export,
			LibraryRoot:  "/opt/openlilylib",
			Runners:      runners,
			Engraver:     "lilypond",
			EngraveFlags: []string{"-dcrop"},
			OverviewTool: "pdflatex",
			Formats:      format.Default(),
			OverviewName: "Notenbeispiele",
		},
		exec:    testutil.NewGateExecutor(),
		results: results.New(time.Hour, testutil.Logger()),
		opened:  make(chan string, 4),
	}
	f.exec.OnRelease = f.writeOutputs
	return f
}

// writeOutputs creates the files the real tools would leave behind.
func (f *fixture) writeOutputs(cmd job.Command) {
	switch cmd.Name {
	case "lilypond":
		for _, a := range cmd.Args {
			if prefix, ok := strings.CutPrefix(a, "--output="); ok {
				_ = os.WriteFile(prefix+".cropped.pdf", []byte("%PDF"), 0o644)
				_ = os.WriteFile(prefix+"-1.pdf", []byte("%PDF"), 0o644)
				_ = os.WriteFile(prefix+"-systems.count", []byte("1"), 0o644)
				_ = os.WriteFile(prefix+"-systems.tex", []byte(""), 0o644)
			}
		}
	case "pdflatex":
		tex := cmd.Args[len(cmd.Args)-1]
		_ = os.WriteFile(filepath.Join(cmd.Dir, strings.TrimSuffix(tex, ".tex")+".pdf"), []byte("%PDF"), 0o644)
	default:
		_ = os.WriteFile(filepath.Join(cmd.Dir, cmd.Args[len(cmd.Args)-1]), []byte("img"), 0o644)
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Executor: f.exec,
		Results:  f.results,
		Opener: OpenerFunc(func(path string) error {
			f.opened <- path
			return nil
		}),
		TickInterval: 10 * time.Millisecond,
	}
}

func (f *fixture) controller() *Controller {
	return NewController(f.settings, f.deps(), testutil.Logger())
}

func (f *fixture) markUpToDate(t *testing.T, example string) {
	t.Helper()
	path := filepath.Join(f.settings.ExportDir, example+".pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o644))
}

// drain starts and releases n jobs one by one and returns their commands.
func (f *fixture) drain(t *testing.T, n int) []job.Command {
	t.Helper()
	var cmds []job.Command
	for i := 0; i < n; i++ {
		cmds = append(cmds, f.exec.WaitStarted(t, 1)...)
		f.exec.Release(t, 1)
	}
	return cmds
}

func waitDone(t *testing.T, c *Controller) Progress {
	t.Helper()
	select {
	case <-c.Done():
		return c.Progress()
	case <-time.After(5 * time.Second):
		t.Fatalf("batch did not finish, last progress: %+v", c.Progress())
		return Progress{}
	}
}

func commandNames(cmds []job.Command) map[string]int {
	out := make(map[string]int)
	for _, c := range cmds {
		out[c.Name]++
	}
	return out
}

func TestBatchSkipsUpToDateAndConvertsEngraved(t *testing.T) {
	f := newFixture(t, 2, "ex_a", "ex_b", "ex_c")
	f.markUpToDate(t, "ex_b")
	c := f.controller()

	require.NoError(t, c.Run(Options{Examples: []string{"ex_a", "ex_b", "ex_c"}}))

	p := c.Progress()
	assert.Equal(t, PhaseEngrave, p.Phase)
	assert.Equal(t, 8, p.Scheduled)
	assert.Equal(t, 4, p.Skipped)
	assert.Equal(t, 3*len(f.settings.Formats.Types()), p.Scheduled+p.Skipped)

	engraves := f.exec.WaitStarted(t, 2)
	assert.Equal(t, map[string]int{"lilypond": 2}, commandNames(engraves))
	f.exec.AssertNoStart(t, 50*time.Millisecond)

	f.exec.Release(t, 2)
	conversions := f.drain(t, 6)
	assert.Equal(t, map[string]int{"convert": 4, "pdftocairo": 2}, commandNames(conversions))
	for _, cmd := range conversions {
		assert.NotContains(t, cmd.String(), "ex_b")
	}

	p = waitDone(t, c)
	assert.True(t, p.Done)
	assert.Equal(t, StatusSucceeded, p.Status)
	assert.Equal(t, 8, p.Completed)
	assert.Equal(t, 0, p.Failed)
	assert.Contains(t, p.Summary, "8 jobs done in")
	assert.Contains(t, p.Summary, "4 up-to-date jobs skipped")
	assert.LessOrEqual(t, f.exec.MaxActive(), 2)

	for _, name := range []string{"ex_a.pdf", "ex_a-300.png", "ex_a-72.png", "ex_a.svg", "ex_a-1.pdf", "ex_a-systems.count"} {
		assert.FileExists(t, filepath.Join(f.settings.ExportDir, name))
	}
	assert.NoFileExists(t, filepath.Join(f.settings.ExportDir, "ex_a-systems.tex"))

	r, ok := f.results.Get("ex_b", types.OutputSVG)
	require.True(t, ok)
	assert.Equal(t, types.ResultSkipped, r.State)
	r, ok = f.results.Get("ex_c", types.OutputPNG72)
	require.True(t, ok)
	assert.Equal(t, types.ResultSucceeded, r.State)
}

func TestBatchConversionsWaitForAllEngravings(t *testing.T) {
	f := newFixture(t, 2, "ex_a", "ex_b")
	c := f.controller()
	require.NoError(t, c.Run(Options{Examples: []string{"ex_a", "ex_b"}}))

	f.exec.WaitStarted(t, 2)
	f.exec.Release(t, 1)
	f.exec.AssertNoStart(t, 50*time.Millisecond)

	f.exec.Release(t, 1)
	conversions := f.drain(t, 6)
	assert.Equal(t, map[string]int{"convert": 4, "pdftocairo": 2}, commandNames(conversions))
	waitDone(t, c)
}

func TestBatchEngraveFailureCreatesNoConversions(t *testing.T) {
	f := newFixture(t, 2, "ex_a", "ex_b")
	f.exec.Outcome = func(cmd job.Command) testutil.Result {
		if cmd.Name == "lilypond" && strings.Contains(cmd.String(), "ex_a.ly") {
			return testutil.Result{ExitCode: 1}
		}
		return testutil.Result{}
	}
	c := f.controller()
	require.NoError(t, c.Run(Options{Examples: []string{"ex_a", "ex_b"}}))

	f.exec.WaitStarted(t, 2)
	f.exec.Release(t, 2)
	conversions := f.drain(t, 3)
	for _, cmd := range conversions {
		assert.NotContains(t, cmd.String(), "ex_a")
	}

	p := waitDone(t, c)
	assert.Equal(t, StatusFailures, p.Status)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 5, p.Completed)
	assert.Len(t, f.exec.Started(), 5)

	r, ok := f.results.Get("ex_a", types.OutputPDF)
	require.True(t, ok)
	assert.Equal(t, types.ResultFailed, r.State)
	assert.NotEmpty(t, r.Log)

	for _, typ := range []types.OutputType{types.OutputPNG300, types.OutputPNG72, types.OutputSVG} {
		r, ok := f.results.Get("ex_a", typ)
		require.True(t, ok, typ)
		assert.Equal(t, types.ResultNotBuilt, r.State, typ)

		r, ok = f.results.Get("ex_b", typ)
		require.True(t, ok, typ)
		assert.Equal(t, types.ResultSucceeded, r.State, typ)
	}
}

func TestBatchSecondRunSchedulesNothing(t *testing.T) {
	f := newFixture(t, 2, "ex_a", "ex_b")
	opts := Options{Examples: []string{"ex_a", "ex_b"}}

	first := f.controller()
	require.NoError(t, first.Run(opts))
	f.drain(t, 8)
	waitDone(t, first)

	second := f.controller()
	require.NoError(t, second.Run(opts))
	p := waitDone(t, second)

	assert.Equal(t, 0, p.Scheduled)
	assert.Equal(t, 8, p.Skipped)
	assert.Equal(t, StatusUpToDate, p.Status)
	assert.Equal(t, StatusUpToDate, p.Message)
	assert.Equal(t, queue.StatusInactive, second.Queue().Status())
	assert.Len(t, f.exec.Started(), 8)
}

func TestBatchAbortWithBusyRunners(t *testing.T) {
	f := newFixture(t, 2, "ex_a", "ex_b", "ex_c")
	c := f.controller()
	require.NoError(t, c.Run(Options{Examples: []string{"ex_a", "ex_b", "ex_c"}, Overview: types.OverviewAll}))

	f.exec.WaitStarted(t, 2)
	require.NoError(t, c.Abort())

	p := waitDone(t, c)
	assert.Equal(t, StatusAborted, p.Status)
	assert.Equal(t, 2, p.Aborted)
	assert.Equal(t, 0, p.Completed)
	assert.Empty(t, p.Overview)
	assert.Equal(t, queue.StatusAborted, c.Queue().Status())
	assert.Equal(t, 0, c.Queue().Size())
	assert.Len(t, f.exec.Started(), 2)

	for _, ex := range []string{"ex_a", "ex_b", "ex_c"} {
		r, ok := f.results.Get(ex, types.OutputPDF)
		require.True(t, ok)
		assert.Equal(t, types.ResultAborted, r.State, ex)
	}

	assert.ErrorIs(t, c.Abort(), ErrBatchDone)
	assert.ErrorIs(t, c.Pause(), ErrBatchDone)
	assert.Len(t, f.opened, 0)
}

func TestBatchPauseResume(t *testing.T) {
	f := newFixture(t, 1, "ex_a", "ex_b")
	c := f.controller()
	require.NoError(t, c.Run(Options{Examples: []string{"ex_a", "ex_b"}}))

	f.exec.WaitStarted(t, 1)
	require.NoError(t, c.Pause())
	assert.Equal(t, StatusPaused, c.Progress().Status)
	assert.True(t, strings.HasPrefix(c.Progress().Message, "Paused:"), c.Progress().Message)

	f.exec.Release(t, 1)
	f.exec.AssertNoStart(t, 50*time.Millisecond)
	assert.Equal(t, queue.StatusPaused, c.Queue().Status())
	assert.ErrorIs(t, c.Pause(), queue.ErrInvalidState)

	require.NoError(t, c.Resume())
	assert.True(t, strings.HasPrefix(c.Progress().Message, "Processing:"), c.Progress().Message)
	f.drain(t, 7)

	p := waitDone(t, c)
	assert.Equal(t, StatusSucceeded, p.Status)
	assert.Equal(t, 8, p.Completed)
}

func TestBatchPausedDuringEngravingStaysPausedForConversions(t *testing.T) {
	f := newFixture(t, 1, "ex_a")
	c := f.controller()
	require.NoError(t, c.Run(Options{Examples: []string{"ex_a"}}))

	f.exec.WaitStarted(t, 1)
	require.NoError(t, c.Pause())
	f.exec.Release(t, 1)

	f.exec.AssertNoStart(t, 100*time.Millisecond)
	assert.Eventually(t, func() bool {
		return c.Progress().Phase == PhaseConvert
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, c.Queue().Size())

	require.NoError(t, c.Resume())
	f.drain(t, 3)
	waitDone(t, c)
}

func TestBatchOverview(t *testing.T) {
	f := newFixture(t, 2, "ex_a")
	deps := f.deps()
	deps.Catalogue = func() (*catalogue.Catalogue, error) {
		return catalogue.Parse(strings.NewReader("* Teil\nex_a [x] [] []\nex_z [] [] []\n"))
	}
	c := NewController(f.settings, deps, testutil.Logger())
	require.NoError(t, c.Run(Options{Examples: []string{"ex_a"}, Overview: types.OverviewAll}))

	f.drain(t, 4)
	cmds := f.exec.WaitStarted(t, 1)
	require.Len(t, cmds, 1)
	assert.Equal(t, "pdflatex", cmds[0].Name)
	assert.Equal(t, []string{"-interaction=nonstopmode", "Notenbeispiele.tex"}, cmds[0].Args)
	f.exec.Release(t, 1)

	p := waitDone(t, c)
	want := filepath.Join(f.settings.ExportDir, "Notenbeispiele.pdf")
	assert.Equal(t, want, p.Overview)
	assert.Equal(t, want, <-f.opened)

	tex, err := os.ReadFile(filepath.Join(f.settings.ExportDir, "Notenbeispiele.tex"))
	require.NoError(t, err)
	assert.Contains(t, string(tex), `\includegraphics{ex_a-1.pdf}`)
	assert.Contains(t, string(tex), `\texttt{ex\_z} -- nicht vorhanden`)
}

func TestBatchVisibleOverviewUsesFilteredName(t *testing.T) {
	f := newFixture(t, 1, "ex_a")
	deps := f.deps()
	deps.Catalogue = func() (*catalogue.Catalogue, error) {
		return catalogue.Parse(strings.NewReader("ex_a [x] [] []\nex_b [] [] []\n"))
	}
	c := NewController(f.settings, deps, testutil.Logger())
	require.NoError(t, c.Run(Options{
		Examples:    []string{"ex_a"},
		Overview:    types.OverviewVisible,
		FilterNotes: []string{"Eingegeben: ja"},
	}))

	f.drain(t, 5)
	p := waitDone(t, c)
	assert.Equal(t, filepath.Join(f.settings.ExportDir, "Notenbeispiele_gefiltert.pdf"), p.Overview)

	tex, err := os.ReadFile(filepath.Join(f.settings.ExportDir, "Notenbeispiele_gefiltert.tex"))
	require.NoError(t, err)
	assert.Contains(t, string(tex), `\texttt{ex\_b} -- gefiltert`)
	assert.Contains(t, string(tex), `\item Eingegeben: ja`)
}

func TestBatchWithoutDerivedFormats(t *testing.T) {
	f := newFixture(t, 1, "ex_a")
	registry, err := format.New(format.Format{Type: types.OutputPDF, Primary: true, Suffix: ".pdf"})
	require.NoError(t, err)
	f.settings.Formats = registry

	c := f.controller()
	require.NoError(t, c.Run(Options{Examples: []string{"ex_a"}}))
	f.drain(t, 1)

	p := waitDone(t, c)
	assert.Equal(t, StatusSucceeded, p.Status)
	assert.Equal(t, 1, p.Scheduled)
	assert.Equal(t, 1, p.Completed)
}

func TestBatchAllEngravingsFailed(t *testing.T) {
	f := newFixture(t, 1, "ex_a")
	f.exec.Outcome = func(job.Command) testutil.Result {
		return testutil.Result{ExitCode: 1}
	}
	c := f.controller()
	require.NoError(t, c.Run(Options{Examples: []string{"ex_a"}}))
	f.drain(t, 1)

	p := waitDone(t, c)
	assert.Equal(t, StatusFailures, p.Status)
	assert.Len(t, f.exec.Started(), 1)

	for _, r := range f.results.List() {
		assert.NotEqual(t, types.ResultPending, r.State, r.Type)
	}
	r, ok := f.results.Get("ex_a", types.OutputSVG)
	require.True(t, ok)
	assert.Equal(t, types.ResultNotBuilt, r.State)
}

func TestBatchRunErrors(t *testing.T) {
	f := newFixture(t, 1, "ex_a")

	c := f.controller()
	assert.ErrorIs(t, c.Run(Options{}), ErrNoExamples)
	assert.ErrorIs(t, c.Run(Options{Examples: []string{"ex_a"}}), ErrAlreadyStarted)

	c = f.controller()
	assert.ErrorIs(t, c.Pause(), ErrBatchDone)
}

func TestBatchObserversSeeEveryPhase(t *testing.T) {
	f := newFixture(t, 1, "ex_a")
	c := f.controller()

	var mu sync.Mutex
	phases := map[Phase]bool{}
	var last Progress
	c.Observe(func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		phases[p.Phase] = true
		last = p
	})

	require.NoError(t, c.Run(Options{Examples: []string{"ex_a", "ex_a"}}))
	f.drain(t, 4)
	waitDone(t, c)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, phases[PhaseEngrave])
	assert.True(t, phases[PhaseConvert])
	assert.True(t, phases[PhaseDone])
	assert.True(t, last.Done)
	assert.Equal(t, 4, last.Scheduled, "duplicate examples are compiled once")
}
