package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/internal/app"
	apperrors "github.com/3leaps/jobwatch/internal/errors"
	"github.com/3leaps/jobwatch/pkg/background"
	"github.com/3leaps/jobwatch/pkg/bgstatus"
	"github.com/3leaps/jobwatch/pkg/dispatch"
	"github.com/3leaps/jobwatch/pkg/download"
	"github.com/3leaps/jobwatch/pkg/jobregistry"
	"github.com/3leaps/jobwatch/pkg/remote"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// JobService is the registry and submission side of the API.
type JobService interface {
	State() *jobregistry.State
	Watchers() []dispatch.WatcherInfo
	PushStatus(raw bgstatus.Payload) error
	Submit(ctx context.Context, req remote.PackageRequest, opts app.SubmitOptions) (*app.Submission, error)
}

// Commands are the registry commands served under /v1/jobs and /v1/settings.
type Commands interface {
	Cancel(ctx context.Context, id string) (bgstatus.Status, error)
	Remove(ctx context.Context, id string) error
	Archive(id string) (jobregistry.JobRecord, error)
	SendToBackground(ctx context.Context, id string) (bgstatus.Status, error)
	SetEmail(ctx context.Context, email string) error
	SetNotification(ctx context.Context, req background.NotificationRequest) error
}

// Downloads fetches result artifacts.
type Downloads interface {
	Download(ctx context.Context, jobID string, index int) (download.Result, error)
}

// JobsHandler serves the /v1 API.
type JobsHandler struct {
	jobs      JobService
	commands  Commands
	downloads Downloads
	logger    *zap.Logger
}

// NewJobsHandler returns a handler. logger may be nil.
func NewJobsHandler(jobs JobService, commands Commands, downloads Downloads, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{jobs: jobs, commands: commands, downloads: downloads, logger: logger}
}

// Routes mounts the API on r.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.listJobs)
		r.Post("/", h.submitJob)
		r.Get("/summary", h.summary)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getJob)
			r.Delete("/", h.removeJob)
			r.Post("/cancel", h.cancelJob)
			r.Post("/archive", h.archiveJob)
			r.Post("/background", h.backgroundJob)
			r.Post("/download/{index}", h.downloadResult)
		})
	})
	r.Route("/settings", func(r chi.Router) {
		r.Get("/", h.getSettings)
		r.Put("/email", h.setEmail)
		r.Put("/notification", h.setNotification)
	})
	r.Post("/events/status", h.pushStatus)
	r.Get("/watchers", h.listWatchers)
}

// JobList is the body of GET /v1/jobs.
type JobList struct {
	Jobs  []jobregistry.JobRecord `json:"jobs"`
	Count int                     `json:"count"`
}

func (h *JobsHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	all, _ := strconv.ParseBool(q.Get("all"))
	records, err := selectJobs(h.jobs.State(), q.Get("match"), all)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobList{Jobs: records, Count: len(records)})
}

// selectJobs filters the registry. Without all, only jobs shown in the
// history list are returned.
func selectJobs(s *jobregistry.State, match string, all bool) ([]jobregistry.JobRecord, error) {
	records, err := s.Select(match)
	if err != nil {
		if errors.Is(err, doublestar.ErrBadPattern) {
			return nil, apperrors.NewInvalidRequest(fmt.Sprintf("invalid match pattern %q", match))
		}
		return nil, err
	}
	if all {
		return records, nil
	}
	out := records[:0:0]
	for _, rec := range records {
		if rec.Monitored {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (h *JobsHandler) summary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.State().Summary())
}

func (h *JobsHandler) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := h.jobs.State().Job(id)
	if !ok {
		respondWithError(w, r, fmt.Errorf("%w: %s", jobregistry.ErrJobNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	remote.PackageRequest

	// Background hands the job to background tracking once accepted.
	Background bool `json:"background,omitempty"`

	// Timeout bounds the tracked wait, as a Go duration string.
	Timeout string `json:"timeout,omitempty"`
}

// SubmitResponse is the body returned by POST /v1/jobs.
type SubmitResponse struct {
	JobID   string           `json:"job_id"`
	Tracked bool             `json:"tracked"`
	Outcome string           `json:"outcome,omitempty"`
	Status  *bgstatus.Status `json:"status,omitempty"`
}

func (h *JobsHandler) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		respondWithError(w, r, apperrors.NewInvalidRequest(err.Error()))
		return
	}
	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			respondWithError(w, r, apperrors.NewInvalidRequest(fmt.Sprintf("invalid timeout %q", req.Timeout)))
			return
		}
		timeout = d
	}

	jobLogger := h.logger
	sub, err := h.jobs.Submit(r.Context(), req.PackageRequest, app.SubmitOptions{
		Timeout:    timeout,
		Background: req.Background,
		OnComplete: func(st bgstatus.Status) {
			jobLogger.Info("Job finished", zap.String("job_id", st.ID()), zap.String("phase", string(st.Phase())))
		},
		OnError: func(err error) {
			jobLogger.Warn("Stopped tracking job", zap.Error(err))
		},
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	if sub.Tracker == nil {
		writeJSON(w, http.StatusOK, SubmitResponse{JobID: sub.JobID, Status: sub.Status})
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		JobID:   sub.JobID,
		Tracked: true,
		Outcome: string(sub.Tracker.Outcome()),
	})
}

func (h *JobsHandler) cancelJob(w http.ResponseWriter, r *http.Request) {
	st, err := h.commands.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *JobsHandler) removeJob(w http.ResponseWriter, r *http.Request) {
	if err := h.commands.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JobsHandler) archiveJob(w http.ResponseWriter, r *http.Request) {
	rec, err := h.commands.Archive(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *JobsHandler) backgroundJob(w http.ResponseWriter, r *http.Request) {
	st, err := h.commands.SendToBackground(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *JobsHandler) downloadResult(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondWithError(w, r, apperrors.NewInvalidRequest("result index must be an integer"))
		return
	}
	res, err := h.downloads.Download(r.Context(), chi.URLParam(r, "id"), index)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Settings is the body of GET /v1/settings.
type Settings struct {
	Email        string `json:"email"`
	NotifEnabled bool   `json:"notif_enabled"`
}

func (h *JobsHandler) getSettings(w http.ResponseWriter, _ *http.Request) {
	s := h.jobs.State()
	writeJSON(w, http.StatusOK, Settings{Email: s.Email(), NotifEnabled: s.NotifEnabled()})
}

func (h *JobsHandler) setEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	if strings.TrimSpace(body.Email) == "" {
		respondWithError(w, r, apperrors.NewInvalidRequest("email is required"))
		return
	}
	if err := h.commands.SetEmail(r.Context(), body.Email); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JobsHandler) setNotification(w http.ResponseWriter, r *http.Request) {
	var req background.NotificationRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := h.commands.SetNotification(r.Context(), req); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JobsHandler) pushStatus(w http.ResponseWriter, r *http.Request) {
	var raw bgstatus.Payload
	if err := decodeBody(r, &raw); err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := h.jobs.PushStatus(raw); err != nil {
		respondWithError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// WatcherList is the body of GET /v1/watchers.
type WatcherList struct {
	Watchers []dispatch.WatcherInfo `json:"watchers"`
	Count    int                    `json:"count"`
}

func (h *JobsHandler) listWatchers(w http.ResponseWriter, _ *http.Request) {
	ws := h.jobs.Watchers()
	writeJSON(w, http.StatusOK, WatcherList{Watchers: ws, Count: len(ws)})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.NewInvalidRequest("request body is required")
		}
		return apperrors.NewInvalidRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}
