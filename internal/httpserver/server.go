package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/relaydeploy/relay/internal/auth"
	"github.com/relaydeploy/relay/internal/config"
	"github.com/relaydeploy/relay/internal/models"
	"github.com/relaydeploy/relay/internal/service"
	"github.com/relaydeploy/relay/internal/store"
)

type Server struct {
	cfg     config.Config
	service *service.Service
}

func New(cfg config.Config, svc *service.Service) *Server {
	return &Server{cfg: cfg, service: svc}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/pipelines", s.handlePipelines)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/events", s.handleRunEvents)
		r.Get("/targets/{environment}", s.handleGetTarget)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireWriter(auth.Config{
				Secret:          s.cfg.AuthSecret,
				AllowDebugToken: s.cfg.AllowDebugToken,
				DebugToken:      s.cfg.DebugToken,
			}))
			r.Post("/runs", s.handleSubmit)
			r.Post("/runs/{id}/abort", s.handleAbort)
			r.Post("/leases/{group}/force-release", s.handleForceRelease)
			r.Post("/canary/{session}/force-rollback", s.handleForceRollback)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.service.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.service.Pipelines())
}

type submitRequest struct {
	Pipeline  string `json:"pipeline"`
	EventKind string `json:"eventKind"`
	Ref       string `json:"ref"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := s.service.SubmitTrigger(r.Context(), service.SubmitRequest{
		Pipeline:  req.Pipeline,
		EventKind: models.EventKind(req.EventKind),
		Ref:       req.Ref,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.service.GetRun(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	events, err := s.service.ListRunEvents(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if events == nil {
		events = []models.RunEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.service.AbortRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	target, err := s.service.GetTarget(r.Context(), chi.URLParam(r, "environment"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, target)
}

func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	released := s.service.ForceReleaseLease(group)
	if !released {
		respondError(w, http.StatusConflict, "group holds no lease")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"group": group, "released": true})
}

func (s *Server) handleForceRollback(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "session"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	sess, err := s.service.ForceRollback(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session not found")
			return
		}
		// The session payload still matters on rollback failure: it carries
		// the rollback error the operator has to act on.
		respondJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":   err.Error(),
			"session": sess,
		})
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
