package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"subtitle-stt-engine/internal/service/transcriber"
)

// Controller is the part of the application the router drives.
type Controller interface {
	Ready() bool
	Status() any
	RecentLogs() any
	LoadModel() error
	TranscribeFile(path string, segmented bool) error
	CancelFile() error
	UpdateSettings(u transcriber.SettingsUpdate) error
}

type fileRequest struct {
	Path      string `json:"path"`
	Segmented bool   `json:"segmented"`
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(ctl Controller) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !ctl.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("model not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, ctl.Status())
		})
		r.Get("/logs", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, ctl.RecentLogs())
		})

		r.Post("/model/load", func(w http.ResponseWriter, _ *http.Request) {
			accepted(w, ctl.LoadModel())
		})

		r.Put("/settings", func(w http.ResponseWriter, r *http.Request) {
			var u transcriber.SettingsUpdate
			if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			accepted(w, ctl.UpdateSettings(u))
		})

		r.Post("/files", func(w http.ResponseWriter, r *http.Request) {
			var req fileRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if req.Path == "" {
				writeError(w, http.StatusBadRequest, errors.New("path is required"))
				return
			}
			accepted(w, ctl.TranscribeFile(req.Path, req.Segmented))
		})

		r.Post("/files/cancel", func(w http.ResponseWriter, _ *http.Request) {
			accepted(w, ctl.CancelFile())
		})
	})

	return r
}

// accepted answers 202 for a queued command, 503 when the worker cannot take it.
func accepted(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, transcriber.ErrQueueFull), errors.Is(err, transcriber.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
