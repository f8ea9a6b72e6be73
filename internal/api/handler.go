package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/0xPuncker/mozart-engraver/internal/batch"
	"github.com/0xPuncker/mozart-engraver/internal/catalogue"
	"github.com/0xPuncker/mozart-engraver/internal/cron"
	"github.com/0xPuncker/mozart-engraver/internal/results"
	"github.com/0xPuncker/mozart-engraver/pkg/types"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	manager   *batch.Manager
	results   *results.Store
	hub       *Hub
	logger    *logrus.Logger
	Scheduler *cron.Scheduler
}

type FilterRequest struct {
	File     string `json:"file"`
	Input    string `json:"input"`
	Review   string `json:"review"`
	Approved string `json:"approved"`
}

type BatchRequest struct {
	Examples []string      `json:"examples"`
	Overview string        `json:"overview"`
	Filter   FilterRequest `json:"filter"`
}

type ExamplesResponse struct {
	Entries []catalogue.Entry `json:"entries"`
	Stats   catalogue.Stats   `json:"stats"`
	Visible []string          `json:"visible"`
	Filter  []string          `json:"filter,omitempty"`
}

func NewHandler(manager *batch.Manager, store *results.Store, scheduler *cron.Scheduler, hub *Hub, logger *logrus.Logger) *Handler {
	return &Handler{
		manager:   manager,
		results:   store,
		hub:       hub,
		logger:    logger,
		Scheduler: scheduler,
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"running": h.manager.Running(),
	})
}

func (f FilterRequest) parse() (catalogue.Filter, error) {
	var filter catalogue.Filter
	for _, c := range []struct {
		value string
		dest  *catalogue.Tri
	}{
		{f.File, &filter.File},
		{f.Input, &filter.Input},
		{f.Review, &filter.Review},
		{f.Approved, &filter.Approved},
	} {
		t, err := catalogue.ParseTri(c.value)
		if err != nil {
			return catalogue.Filter{}, err
		}
		*c.dest = t
	}
	return filter, nil
}

func (h *Handler) GetExamples(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := FilterRequest{
		File:     q.Get("file"),
		Input:    q.Get("input"),
		Review:   q.Get("review"),
		Approved: q.Get("approved"),
	}.parse()
	if err != nil {
		h.handleError(w, err, http.StatusBadRequest)
		return
	}

	cat, err := h.manager.Catalogue()
	if err != nil {
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, ExamplesResponse{
		Entries: cat.Entries,
		Stats:   cat.Stats,
		Visible: cat.Visible(filter),
		Filter:  filter.Notes(),
	})
}

func (h *Handler) StartBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.handleError(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	mode, err := types.ParseOverviewMode(req.Overview)
	if err != nil {
		h.handleError(w, err, http.StatusBadRequest)
		return
	}
	filter, err := req.Filter.parse()
	if err != nil {
		h.handleError(w, err, http.StatusBadRequest)
		return
	}

	opts := batch.Options{Examples: req.Examples, Overview: mode}
	if filter.Active() {
		cat, err := h.manager.Catalogue()
		if err != nil {
			h.handleError(w, err, http.StatusInternalServerError)
			return
		}
		visible := cat.Visible(filter)
		if len(visible) == 0 {
			h.handleError(w, errors.New("no examples match the filter"), http.StatusBadRequest)
			return
		}
		if len(opts.Examples) == 0 {
			opts.Examples = visible
		}
		if mode == types.OverviewVisible {
			opts.Visible = visible
			opts.FilterNotes = filter.Notes()
		}
	}

	c, err := h.manager.Start(opts)
	switch {
	case errors.Is(err, batch.ErrBatchRunning):
		h.handleError(w, err, http.StatusConflict)
		return
	case errors.Is(err, batch.ErrNoExamples):
		h.handleError(w, err, http.StatusBadRequest)
		return
	case err != nil:
		h.handleError(w, err, http.StatusInternalServerError)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"batch_id": c.ID(),
		"examples": len(opts.Examples),
		"overview": string(mode),
	}).Info("Batch started")

	writeJSON(w, http.StatusAccepted, c.Progress())
}

func (h *Handler) GetCurrentBatch(w http.ResponseWriter, r *http.Request) {
	c := h.manager.Current()
	if c == nil {
		h.handleError(w, errors.New("no batch has been started"), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c.Progress())
}

func (h *Handler) PauseBatch(w http.ResponseWriter, r *http.Request) {
	h.batchCommand(w, "paused", h.manager.Pause)
}

func (h *Handler) ResumeBatch(w http.ResponseWriter, r *http.Request) {
	h.batchCommand(w, "resumed", h.manager.Resume)
}

func (h *Handler) AbortBatch(w http.ResponseWriter, r *http.Request) {
	h.batchCommand(w, "aborted", h.manager.Abort)
}

func (h *Handler) batchCommand(w http.ResponseWriter, done string, command func() error) {
	if err := command(); err != nil {
		h.handleError(w, err, http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "batch " + done,
	})
}

func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.results.List())
}

func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := types.ParseOutputType(vars["type"])
	if err != nil {
		h.handleError(w, err, http.StatusBadRequest)
		return
	}

	record, ok := h.results.Get(vars["example"], t)
	if !ok {
		h.handleError(w, fmt.Errorf("no result for %s %s", vars["example"], t), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	var current *batch.Progress
	if c := h.manager.Current(); c != nil {
		p := c.Progress()
		current = &p
	}
	h.hub.Serve(w, r, current)
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.Scheduler.ListJobs()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":        jobs,
		"active_jobs": len(jobs),
		"running":     h.Scheduler.IsRunning(),
	})
}

func (h *Handler) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobName := vars["name"]

	enabled, description, err := h.Scheduler.GetJobStatus(jobName)
	if err != nil {
		h.handleError(w, err, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        jobName,
		"enabled":     enabled,
		"description": description,
	})
}

func (h *Handler) StartScheduler(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Start(); err != nil {
		h.handleError(w, err, http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "scheduler started successfully",
	})
}

func (h *Handler) StopScheduler(w http.ResponseWriter, r *http.Request) {
	h.Scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "scheduler stopped successfully",
	})
}

func (h *Handler) handleError(w http.ResponseWriter, err error, code int) {
	if code >= http.StatusInternalServerError {
		h.logger.Error(err)
	} else {
		h.logger.Debug(err)
	}
	writeJSON(w, code, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
