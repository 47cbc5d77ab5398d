package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/maltedev/taobao-scraper/internal/auth"
	"github.com/maltedev/taobao-scraper/internal/browser"
	"github.com/maltedev/taobao-scraper/internal/database"
	"github.com/maltedev/taobao-scraper/internal/models"
	"github.com/maltedev/taobao-scraper/internal/reference"
	"github.com/maltedev/taobao-scraper/internal/retry"
)

type JobService interface {
	CreateJob(ctx context.Context, reference string) (*database.FetchJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (*database.FetchJob, error)
	ListJobs(ctx context.Context) ([]*database.FetchJob, error)
	GetStats(ctx context.Context) (*database.JobStats, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, raw string) (*retry.Result, error)
}

type Parser interface {
	ParsePage(state *models.PageState) (*models.Product, error)
}

type Recorder interface {
	RecordFetch(ctx context.Context, job *database.FetchJob, result *retry.Result, product *models.Product) error
}

type Snapshots interface {
	Latest(ctx context.Context, productID string) (*database.Snapshot, error)
}

type Session interface {
	Login(ctx context.Context) (auth.Result, *auth.Status, error)
}

// Deps groups the collaborators of Handlers. Recorder may be nil, in which
// case synchronous fetches are not persisted.
type Deps struct {
	Jobs      JobService
	Fetcher   Fetcher
	Parser    Parser
	Recorder  Recorder
	Snapshots Snapshots
	Session   Session
}

type Handlers struct {
	deps   Deps
	logger *slog.Logger
}

func NewHandlers(deps Deps, logger *slog.Logger) *Handlers {
	return &Handlers{
		deps:   deps,
		logger: logger.With("component", "api"),
	}
}

// Routes mounts the v1 API on r.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/products/fetch", h.FetchProduct)
		r.Get("/products/{productID}", h.GetProduct)

		r.Post("/jobs", h.CreateJob)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{jobID}", h.GetJob)

		r.Get("/stats", h.GetStats)

		r.Post("/session/login", h.Login)
	})
}

// FetchRequest names a product by id, URL or share text.
type FetchRequest struct {
	Reference string `json:"reference"`
}

type FetchResponse struct {
	ProductID string                `json:"product_id"`
	Platform  string                `json:"platform"`
	URL       string                `json:"url"`
	Verdict   string                `json:"verdict"`
	Missing   []string              `json:"missing,omitempty"`
	Signature string                `json:"signature"`
	Attempts  []retry.AttemptRecord `json:"attempts"`
	Product   *models.Product       `json:"product,omitempty"`
	Warning   string                `json:"warning,omitempty"`
}

// FetchProduct acquires a product page synchronously. A degraded page is
// still a 200; the verdict tells the caller what is missing.
func (h *Handlers) FetchProduct(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Reference = strings.TrimSpace(req.Reference)
	if req.Reference == "" {
		h.respondError(w, http.StatusBadRequest, "reference is required")
		return
	}

	result, err := h.deps.Fetcher.Fetch(r.Context(), req.Reference)
	if err != nil {
		h.logger.Error("fetch failed", "reference", req.Reference, "error", err)
		h.respondError(w, statusForError(err), err.Error())
		return
	}

	product, err := h.deps.Parser.ParsePage(result.State)
	if err != nil {
		h.logger.Warn("extraction failed", "product_id", result.Canonical.ID, "error", err)
		product = nil
	}

	if h.deps.Recorder != nil {
		if err := h.deps.Recorder.RecordFetch(r.Context(), nil, result, product); err != nil {
			h.logger.Error("failed to record fetch", "product_id", result.Canonical.ID, "error", err)
		}
	}

	resp := FetchResponse{
		ProductID: result.Canonical.ID,
		Platform:  string(result.Canonical.Platform),
		URL:       result.Canonical.String(),
		Verdict:   string(result.Verdict.Status),
		Missing:   result.Verdict.Reasons(),
		Signature: result.Verdict.Signature,
		Attempts:  result.Attempts,
		Product:   product,
	}
	if !result.Verdict.Complete() {
		resp.Warning = "page content incomplete: " + result.Verdict.String()
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// GetProduct returns the latest stored snapshot of a product.
func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	if productID == "" {
		h.respondError(w, http.StatusBadRequest, "product ID is required")
		return
	}

	snap, err := h.deps.Snapshots.Latest(r.Context(), productID)
	if errors.Is(err, database.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "product not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get snapshot", "product_id", productID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get product")
		return
	}

	h.respondJSON(w, http.StatusOK, snap)
}

type CreateJobResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(req.Reference) == "" {
		h.respondError(w, http.StatusBadRequest, "reference is required")
		return
	}

	job, err := h.deps.Jobs.CreateJob(r.Context(), req.Reference)
	if err != nil {
		h.logger.Error("failed to create job", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	h.respondJSON(w, http.StatusCreated, CreateJobResponse{
		JobID:   job.ID.String(),
		Status:  job.Status,
		Message: "Job created successfully",
	})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid job ID")
		return
	}

	job, err := h.deps.Jobs.GetJob(r.Context(), jobID)
	if errors.Is(err, database.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get job", "id", jobID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	h.respondJSON(w, http.StatusOK, job)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.deps.Jobs.ListJobs(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*database.FetchJob{}
	}

	h.respondJSON(w, http.StatusOK, jobs)
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Jobs.GetStats(r.Context())
	if err != nil {
		h.logger.Error("failed to get stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	h.respondJSON(w, http.StatusOK, stats)
}

type LoginResponse struct {
	Result string       `json:"result"`
	Status *auth.Status `json:"status,omitempty"`
}

// Login waits for an interactive login in the shared browser window. It
// blocks for up to the configured login timeout.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	result, status, err := h.deps.Session.Login(r.Context())
	if err != nil {
		h.logger.Warn("login did not complete", "result", result.String(), "error", err)
		h.respondError(w, statusForError(err), err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, LoginResponse{Result: result.String(), Status: status})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, reference.ErrUnresolvableReference),
		errors.Is(err, reference.ErrShortLinkResolutionFailed),
		errors.Is(err, reference.ErrUnknownPlatform):
		return http.StatusUnprocessableEntity
	case errors.Is(err, auth.ErrLoginRequired):
		return http.StatusUnauthorized
	case errors.Is(err, browser.ErrNavigationTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, browser.ErrNavigationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
