package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/0xPuncker/mozart-engraver/internal/batch"
	"github.com/0xPuncker/mozart-engraver/internal/config"
	"github.com/0xPuncker/mozart-engraver/internal/cron"
	"github.com/0xPuncker/mozart-engraver/internal/format"
	"github.com/0xPuncker/mozart-engraver/internal/results"
	"github.com/0xPuncker/mozart-engraver/internal/testutil"
	"github.com/0xPuncker/mozart-engraver/pkg/types"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const list = `* Hauptstück
ex_a [x] [x] []
ex_b [x] [] []
ex_c [] [] []
`

type testServer struct {
	router  *mux.Router
	handler *Handler
	manager *batch.Manager
	exec    *testutil.GateExecutor
	results *results.Store
}

func setupTestHandler(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	export := filepath.Join(root, "export")
	require.NoError(t, os.MkdirAll(export, 0o755))
	catalogueFile := filepath.Join(root, "beispiel-liste")
	require.NoError(t, os.WriteFile(catalogueFile, []byte(list), 0o644))
	for _, ex := range []string{"ex_a", "ex_b", "ex_c"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, ex+".ly"), nil, 0o644))
	}

	settings := &config.Settings{
		ProjectRoot:   root,
		ExportDir:     export,
		LibraryRoot:   "/opt/openlilylib",
		Runners:       1,
		Engraver:      "lilypond",
		OverviewTool:  "pdflatex",
		Formats:       format.Default(),
		OverviewName:  "Notenbeispiele",
		CatalogueFile: catalogueFile,
	}

	logger := testutil.Logger()
	exec := testutil.NewGateExecutor()
	store := results.New(time.Hour, logger)
	manager := batch.NewManager(func() (*config.Settings, error) { return settings, nil }, batch.Deps{
		Executor:     exec,
		Results:      store,
		Opener:       batch.OpenerFunc(func(string) error { return nil }),
		TickInterval: 10 * time.Millisecond,
	}, logger)

	scheduler := cron.NewScheduler(logger, types.JobConfig{MaxConcurrent: 1})
	scheduler.RegisterTask(cron.TaskCompileAll, cron.NewCompileTask(manager, logger))
	require.NoError(t, scheduler.LoadPredefinedJobs([]types.ScheduledBatch{
		{Name: "nightly", Schedule: "0 0 3 * * *", TaskName: cron.TaskCompileAll, Enabled: true, Description: "Compile everything"},
	}))
	t.Cleanup(scheduler.Stop)

	hub := NewHub(logger)
	handler := NewHandler(manager, store, scheduler, hub, logger)

	t.Cleanup(func() {
		if manager.Running() {
			_ = manager.Abort()
			manager.Wait()
		}
	})

	return &testServer{
		router:  NewRouter(handler),
		handler: handler,
		manager: manager,
		exec:    exec,
		results: store,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, apiPrefix+path, strings.NewReader(body))
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func TestHealthCheck(t *testing.T) {
	s := setupTestHandler(t)

	rr := s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	response := decode[map[string]interface{}](t, rr)
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, false, response["running"])
}

func TestGetExamples(t *testing.T) {
	s := setupTestHandler(t)

	rr := s.do(t, http.MethodGet, "/examples?input=yes", "")
	require.Equal(t, http.StatusOK, rr.Code)

	response := decode[ExamplesResponse](t, rr)
	assert.Len(t, response.Entries, 4)
	assert.Equal(t, 3, response.Stats.Examples)
	assert.Equal(t, []string{"ex_a", "ex_b"}, response.Visible)
	assert.Equal(t, []string{"Eingegeben: ja"}, response.Filter)

	rr = s.do(t, http.MethodGet, "/examples?input=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStartBatchLifecycle(t *testing.T) {
	s := setupTestHandler(t)

	rr := s.do(t, http.MethodGet, "/batches/current", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, http.MethodPost, "/batches", `{"examples":["ex_a","ex_b"]}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	progress := decode[batch.Progress](t, rr)
	assert.Equal(t, 8, progress.Scheduled)
	s.exec.WaitStarted(t, 1)

	rr = s.do(t, http.MethodPost, "/batches", `{}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = s.do(t, http.MethodPost, "/batches/current/pause", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = s.do(t, http.MethodPost, "/batches/current/resume", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	require.Eventually(t, func() bool {
		r, ok := s.results.Get("ex_a", types.OutputPDF)
		return ok && r.State == types.ResultRunning
	}, 2*time.Second, 10*time.Millisecond)

	rr = s.do(t, http.MethodGet, "/results/ex_a/pdf", "")
	require.Equal(t, http.StatusOK, rr.Code)
	record := decode[results.Record](t, rr)
	assert.Equal(t, types.ResultRunning, record.State)

	rr = s.do(t, http.MethodPost, "/batches/current/abort", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	p, ok := s.manager.Wait()
	require.True(t, ok)
	assert.Equal(t, batch.StatusAborted, p.Status)

	rr = s.do(t, http.MethodGet, "/batches/current", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[batch.Progress](t, rr).Done)

	rr = s.do(t, http.MethodPost, "/batches/current/abort", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = s.do(t, http.MethodGet, "/results", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, decode[[]results.Record](t, rr))
}

func TestStartBatchWithFilter(t *testing.T) {
	s := setupTestHandler(t)

	rr := s.do(t, http.MethodPost, "/batches", `{"overview":"visible","filter":{"review":"yes"}}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, 4, decode[batch.Progress](t, rr).Scheduled)

	cmds := s.exec.WaitStarted(t, 1)
	assert.Contains(t, cmds[0].Args[len(cmds[0].Args)-1], "ex_a.ly")
}

func TestStartBatchBadRequests(t *testing.T) {
	s := setupTestHandler(t)

	for name, body := range map[string]string{
		"invalid json":     `{`,
		"invalid overview": `{"overview":"some"}`,
		"invalid filter":   `{"filter":{"file":"perhaps"}}`,
		"empty filter":     `{"filter":{"file":"no"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			rr := s.do(t, http.MethodPost, "/batches", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
	assert.Nil(t, s.manager.Current())
}

func TestGetResultNotFound(t *testing.T) {
	s := setupTestHandler(t)

	rr := s.do(t, http.MethodGet, "/results/ex_a/PDF", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestJobs(t *testing.T) {
	s := setupTestHandler(t)

	rr := s.do(t, http.MethodGet, "/jobs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	response := decode[map[string]interface{}](t, rr)
	assert.Equal(t, float64(1), response["active_jobs"])

	rr = s.do(t, http.MethodGet, "/jobs/nightly", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Compile everything", decode[map[string]interface{}](t, rr)["description"])

	rr = s.do(t, http.MethodGet, "/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, http.MethodPost, "/scheduler/start", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = s.do(t, http.MethodPost, "/scheduler/start", "")
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr = s.do(t, http.MethodPost, "/scheduler/stop", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}
