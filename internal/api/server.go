// Package api exposes the history store, the listing merge and the account
// context over HTTP, next to the proxied upstream routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/manash/gentrack/internal/account"
	"github.com/manash/gentrack/internal/extract"
	"github.com/manash/gentrack/internal/history"
	"github.com/manash/gentrack/internal/merge"
	"github.com/manash/gentrack/internal/retry"
	"github.com/manash/gentrack/pkg/models"
)

const (
	problemTypeBaseURI = "https://gentrack.dev/problems/"
	maxListingBody     = 64 << 20
	maxContextBody     = 64 << 10
	defaultListLimit   = 100
)

// Lister is implemented by history.Store and history.MemoryStore.
type Lister interface {
	List(ctx context.Context, opts history.ListOptions) ([]*models.ImageEntry, error)
}

// Jobs exposes retry state. retry.Controller satisfies it.
type Jobs interface {
	Job(imageID string) (retry.Job, bool)
}

type Options struct {
	Repository history.Repository
	Lister     Lister
	Merger     *merge.Engine
	Accounts   *account.Context
	Jobs       Jobs
	Events     http.Handler
	// Active reports how many streams are being tracked.
	Active func() int
	Logger *slog.Logger
}

type Server struct {
	repo     history.Repository
	lister   Lister
	merger   *merge.Engine
	accounts *account.Context
	jobs     Jobs
	events   http.Handler
	active   func() int
	logger   *slog.Logger
}

func New(opts Options) *Server {
	s := &Server{
		repo:     opts.Repository,
		lister:   opts.Lister,
		merger:   opts.Merger,
		accounts: opts.Accounts,
		jobs:     opts.Jobs,
		events:   opts.Events,
		active:   opts.Active,
		logger:   opts.Logger,
	}
	if s.accounts == nil {
		s.accounts = account.NewContext()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/history", s.handleListHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/history/{imageId}", s.handleGetHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/listing", s.handleListing).Methods(http.MethodPost)
	r.HandleFunc("/api/context", s.handleContext).Methods(http.MethodPost)
	r.HandleFunc("/api/uploads", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/api/retry/{imageId}", s.handleRetryJob).Methods(http.MethodGet)
	if s.events != nil {
		r.Handle("/api/events", s.events)
	}
}

// Router returns a router serving the API and sending everything else to
// fallback, normally the upstream proxy.
func (s *Server) Router(fallback http.Handler) *mux.Router {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	if fallback != nil {
		r.PathPrefix("/").Handler(fallback)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{"status": "ok"}
	if s.active != nil {
		payload["activeStreams"] = s.active()
	}
	writeJSON(w, s.logger, http.StatusOK, payload)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.lister == nil {
		s.problem(w, r, http.StatusNotImplemented, "history listing is not available")
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.problem(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.lister.List(r.Context(), history.ListOptions{
		AccountID: strings.TrimSpace(r.URL.Query().Get("account")),
		Limit:     limit,
	})
	if err != nil {
		s.logger.Error("failed to list history", "error", err)
		s.problem(w, r, http.StatusInternalServerError, "failed to list history")
		return
	}
	if entries == nil {
		entries = []*models.ImageEntry{}
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := extract.UUID(mux.Vars(r)["imageId"])
	if id == "" {
		s.problem(w, r, http.StatusBadRequest, "imageId must be a UUID")
		return
	}
	entry, err := s.repo.GetByID(r.Context(), id)
	switch {
	case errors.Is(err, history.ErrNotFound):
		s.problem(w, r, http.StatusNotFound, "image entry not found")
		return
	case err != nil:
		s.logger.Error("failed to load entry", "image", id, "error", err)
		s.problem(w, r, http.StatusInternalServerError, "failed to load entry")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, entry)
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	if s.merger == nil {
		s.problem(w, r, http.StatusNotImplemented, "listing merge is not available")
		return
	}
	posts, err := merge.Parse(io.LimitReader(r.Body, maxListingBody))
	if err != nil {
		s.problem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.merger.Merge(r.Context(), posts, merge.Options{
		Accounts:  s.accounts,
		AccountID: extract.UUID(r.URL.Query().Get("account")),
	})
	if err != nil {
		s.logger.Error("listing merge failed", "error", err)
		s.problem(w, r, http.StatusInternalServerError, "listing merge failed")
		return
	}
	status := http.StatusOK
	if res.Dropped {
		status = http.StatusAccepted
	}
	writeJSON(w, s.logger, status, res)
}

type contextRequest struct {
	ActiveAccount string `json:"activeAccount"`
	AccountID     string `json:"accountId"`
	PageURL       string `json:"pageUrl"`
	ImageID       string `json:"imageId"`
	VideoReady    *bool  `json:"videoReady"`
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxContextBody)).Decode(&req); err != nil {
		s.problem(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if id := extract.UUID(req.ActiveAccount); id != "" {
		s.accounts.SetActive(id)
	}

	accountID := extract.UUID(req.AccountID)
	if accountID == "" {
		accountID = s.accounts.Active()
	}
	if req.PageURL != "" || req.ImageID != "" || req.VideoReady != nil {
		if accountID == "" {
			s.problem(w, r, http.StatusBadRequest, "accountId is required to report a page")
			return
		}
		imageID := extract.UUID(req.ImageID)
		if imageID == "" {
			imageID = extract.LastUUID(req.PageURL)
		}
		videoReady := imageID != ""
		if req.VideoReady != nil {
			videoReady = *req.VideoReady
		}
		s.accounts.ReportPage(accountID, account.Page{ImageID: imageID, URL: req.PageURL, VideoReady: videoReady})
	}

	writeJSON(w, s.logger, http.StatusOK, map[string]interface{}{
		"activeAccount": s.accounts.Active(),
	})
}

type uploadRequest struct {
	FileID    string `json:"fileId"`
	AccountID string `json:"accountId"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxContextBody)).Decode(&req); err != nil {
		s.problem(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	fileID, accountID := extract.UUID(req.FileID), extract.UUID(req.AccountID)
	if fileID == "" || accountID == "" {
		s.problem(w, r, http.StatusBadRequest, "fileId and accountId must be UUIDs")
		return
	}
	s.accounts.RecordUpload(fileID, accountID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		s.problem(w, r, http.StatusNotImplemented, "retry controller is not available")
		return
	}
	job, ok := s.jobs.Job(extract.UUID(mux.Vars(r)["imageId"]))
	if !ok {
		s.problem(w, r, http.StatusNotFound, "no retry job for image")
		return
	}
	writeJSON(w, s.logger, http.StatusOK, job)
}

func (s *Server) problem(w http.ResponseWriter, r *http.Request, statusCode int, detail string) {
	writeProblem(w, s.logger, statusCode, problemPayload(r, statusCode, detail))
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("encode response failed", "error", err)
	}
}

func problemPayload(r *http.Request, statusCode int, detail string) map[string]interface{} {
	title := http.StatusText(statusCode)
	if title == "" {
		title = "Error"
	}
	payload := map[string]interface{}{
		"type":   problemTypeBaseURI + strings.ReplaceAll(strings.ToLower(title), " ", "-"),
		"title":  title,
		"status": statusCode,
	}
	if detail != "" {
		payload["detail"] = detail
	}
	if r != nil && r.URL != nil && r.URL.Path != "" {
		payload["instance"] = r.URL.Path
	}
	return payload
}

func writeProblem(w http.ResponseWriter, logger *slog.Logger, statusCode int, payload map[string]interface{}) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("encode problem response failed", "error", err)
	}
}
