package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

const apiPrefix = "/api/v1"

func NewRouter(handler *Handler) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware(handler.logger))
	router.Use(corsMiddleware)

	api := router.PathPrefix(apiPrefix).Subrouter()
	api.HandleFunc("/health", handler.HealthCheck).Methods(http.MethodGet)
	api.HandleFunc("/examples", handler.GetExamples).Methods(http.MethodGet)
	api.HandleFunc("/batches", handler.StartBatch).Methods(http.MethodPost)
	api.HandleFunc("/batches/current", handler.GetCurrentBatch).Methods(http.MethodGet)
	api.HandleFunc("/batches/current/pause", handler.PauseBatch).Methods(http.MethodPost)
	api.HandleFunc("/batches/current/resume", handler.ResumeBatch).Methods(http.MethodPost)
	api.HandleFunc("/batches/current/abort", handler.AbortBatch).Methods(http.MethodPost)
	api.HandleFunc("/results", handler.ListResults).Methods(http.MethodGet)
	api.HandleFunc("/results/{example}/{type}", handler.GetResult).Methods(http.MethodGet)
	api.HandleFunc("/events", handler.Events).Methods(http.MethodGet)
	api.HandleFunc("/jobs", handler.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{name}", handler.GetJobStatus).Methods(http.MethodGet)
	api.HandleFunc("/scheduler/start", handler.StartScheduler).Methods(http.MethodPost)
	api.HandleFunc("/scheduler/stop", handler.StopScheduler).Methods(http.MethodPost)
	return router
}
