package analysis

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/brandscope/analysis/internal/store"
	"github.com/hazyhaar/brandscope/hub"
)

const maxRequestBody = 64 << 10

// Routes returns the service's HTTP surface. The owner is taken from
// X-Owner-ID; authenticating that header is the deployment's job.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{jobID}", s.handleStatus)
		r.Post("/{jobID}/cancel", s.handleCancel)
		r.Get("/{jobID}/findings", s.handleFindings)
		r.Get("/{jobID}/stream", s.handleStream)
	})
	return r
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	var in QuestionnaireInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&in); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	jobID, err := s.Submit(r.Context(), owner, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	view, err := s.Status(r.Context(), chi.URLParam(r, "jobID"), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	if err := s.CancelOwned(r.Context(), chi.URLParam(r, "jobID"), owner); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleFindings(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	kind := store.FindingKind(r.URL.Query().Get("kind"))
	switch kind {
	case "", store.FindingKeyword, store.FindingCompetitor, store.FindingOpportunity:
	default:
		http.Error(w, "unknown finding kind", http.StatusBadRequest)
		return
	}

	findings, err := s.Findings(r.Context(), chi.URLParam(r, "jobID"), owner, kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if findings == nil {
		findings = []*store.Finding{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(findings)
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.getOwned(r.Context(), jobID, owner); err != nil {
		s.writeError(w, err)
		return
	}
	hub.ServeWS(s.hub, s, jobID, owner, s.logger).ServeHTTP(w, r)
}

// ownerID extracts the caller identity, writing a 401 when absent.
func ownerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get("X-Owner-ID")
	if owner == "" {
		http.Error(w, "X-Owner-ID header required", http.StatusUnauthorized)
		return "", false
	}
	return owner, true
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrJobNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, ErrJobFinished):
		http.Error(w, "job already finished", http.StatusConflict)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
