// Package api exposes the submission path and build records over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtracthub/container-service/pkg/auth"
	"github.com/xtracthub/container-service/pkg/builder"
	"github.com/xtracthub/container-service/pkg/service"
	"github.com/xtracthub/container-service/pkg/workerpool"
)

// maxUploadBytes bounds multipart bodies for definitions and archives.
const maxUploadBytes = 512 << 20

// ThreadReporter exposes the worker status table.
type ThreadReporter interface {
	Statuses() map[string]workerpool.Status
}

type Config struct {
	Service      *service.Service
	Logs         *builder.LogBroker
	Threads      ThreadReporter
	Introspector auth.Introspector
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	// RequestTimeout bounds non-streaming handlers.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type Server struct {
	svc     *service.Service
	logs    *builder.LogBroker
	threads ThreadReporter
	logger  *slog.Logger
	router  chi.Router
}

func New(cfg Config) (*Server, error) {
	if cfg.Service == nil || cfg.Logs == nil || cfg.Threads == nil || cfg.Introspector == nil {
		return nil, errors.New("api: service, logs, threads and introspector are required")
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{svc: cfg.Service, logs: cfg.Logs, threads: cfg.Threads, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Introspector))

		r.Get("/builds/{buildID}/logs", s.handleStreamLogs)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))

			r.Post("/definitions", s.handleUploadDefinition)
			r.Post("/definitions/{definitionID}/convert", s.handleConvert)
			r.Post("/builds", s.handleSubmitBuild)
			r.Get("/builds", s.handleListBuilds)
			r.Get("/builds/{buildID}", s.handleGetBuild)
			r.Post("/repo2docker", s.handleRepo2Docker)
			r.Get("/threads", s.handleThreads)
		})

		// Pulls can take longer than the request timeout.
		r.Get("/builds/{buildID}/artifact", s.handleArtifact)
	})

	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func owner(r *http.Request) string {
	id, _ := auth.OwnerFromContext(r.Context())
	return id
}

func (s *Server) handleUploadDefinition(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "a multipart file field is required")
		return
	}
	defer file.Close()

	def, err := s.svc.UploadDefinition(r.Context(), owner(r), header.Filename, file)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, map[string]string{"definition_id": def.ID}, http.StatusCreated)
}

type convertRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var payload convertRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
	}

	def, err := s.svc.ConvertDefinition(r.Context(), owner(r), chi.URLParam(r, "definitionID"), payload.Name)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, map[string]string{"definition_id": def.ID}, http.StatusCreated)
}

func (s *Server) handleSubmitBuild(w http.ResponseWriter, r *http.Request) {
	var payload service.BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if payload.DefinitionID == "" || payload.Format == "" || payload.ContainerName == "" {
		respondError(w, http.StatusBadRequest, "definition_id, to_format and container_name are required")
		return
	}

	rec, err := s.svc.SubmitBuild(r.Context(), owner(r), payload)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, map[string]string{"build_id": rec.ID}, http.StatusAccepted)
}

type repo2dockerRequest struct {
	GitRepo       string `json:"git_repo"`
	ContainerName string `json:"container_name"`
}

func (s *Server) handleRepo2Docker(w http.ResponseWriter, r *http.Request) {
	var (
		target string
		name   string
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		file, header, err := r.FormFile("file")
		if err != nil {
			respondError(w, http.StatusBadRequest, "a multipart file field is required")
			return
		}
		defer file.Close()

		saved, err := s.svc.SaveUpload(file)
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		// Keep the extension so the worker can pick an extractor.
		target = saved + archiveExt(header.Filename)
		if err := os.Rename(saved, target); err != nil {
			os.Remove(saved)
			s.respondServiceError(w, builder.Infrastructure("save upload", err))
			return
		}
		name = r.FormValue("container_name")
	} else {
		var payload repo2dockerRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		target, name = payload.GitRepo, payload.ContainerName
	}

	rec, err := s.svc.SubmitRepo2Docker(r.Context(), owner(r), target, name)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, map[string]string{"build_id": rec.ID}, http.StatusAccepted)
}

func archiveExt(filename string) string {
	lower := strings.ToLower(filename)
	for _, ext := range []string{".tar.gz", ".tgz", ".tar", ".zip"} {
		if strings.HasSuffix(lower, ext) {
			return ext
		}
	}
	return filepath.Ext(lower)
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	builds, err := s.svc.ListBuilds(r.Context(), owner(r))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if builds == nil {
		builds = []builder.Build{}
	}
	respondJSON(w, map[string]any{"builds": builds}, http.StatusOK)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.GetBuild(r.Context(), owner(r), chi.URLParam(r, "buildID"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, rec, http.StatusOK)
}

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	rec, err := s.svc.GetBuild(r.Context(), owner(r), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, err := s.logs.Subscribe(r.Context(), id)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	defer s.logs.Unsubscribe(id, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// A finished build has nothing left to stream beyond its backlog.
	if rec.Status.Terminal() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					writeEvent(w, flusher, "[stream closed]")
					return
				}
				writeEvent(w, flusher, msg)
			default:
				writeEvent(w, flusher, "[stream closed]")
				return
			}
		}
	}

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				writeEvent(w, flusher, "[stream closed]")
				return
			}
			writeEvent(w, flusher, msg)
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, msg string) {
	fmt.Fprintf(w, "data: %s\n\n", msg)
	flusher.Flush()
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	path, rec, err := s.svc.PullArtifact(r.Context(), owner(r), chi.URLParam(r, "buildID"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		s.respondServiceError(w, builder.Infrastructure("open artifact", err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.respondServiceError(w, builder.Infrastructure("stat artifact", err))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	w.Header().Set("X-Build-Id", rec.ID)
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

func (s *Server) handleThreads(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, s.threads.Statuses(), http.StatusOK)
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, builder.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrForbidden):
		respondError(w, http.StatusForbidden, err.Error())
	case builder.KindOf(err) == builder.KindValidation:
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
