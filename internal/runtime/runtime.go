package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/session"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/store"
)

// SessionService is the slice of the session controller the HTTP
// surface needs.
type SessionService interface {
	Start(ctx context.Context, req session.StartRequest) (*store.Recording, error)
	Stop(ctx context.Context) (string, error)
	Current(ctx context.Context) (*store.Recording, error)
}

// RetryService triggers an immediate retry pass over failed uploads.
type RetryService interface {
	RetryAllNow(ctx context.Context) (int, error)
}

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	sessions   SessionService
	retry      RetryService
	store      *store.Store
	httpServer *http.Server
	telemetry  *telemetry
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, sessions SessionService, retry RetryService, st *store.Store, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		retry:    retry,
		store:    st,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(tel.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.HandleFunc("POST /api/sessions/start", r.handleSessionStart)
	mux.HandleFunc("POST /api/sessions/stop", r.handleSessionStop)
	mux.HandleFunc("GET /api/sessions/current", r.handleSessionCurrent)
	mux.HandleFunc("POST /api/uploads/retry", r.handleUploadRetry)
	mux.HandleFunc("GET /api/recordings/{id}", r.handleRecording)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type recordingView struct {
	RecordingID     string `json:"recording_id"`
	Title           string `json:"title,omitempty"`
	MeetingID       string `json:"meeting_id,omitempty"`
	State           string `json:"state"`
	OutputPath      string `json:"output_path"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	UploadStatus    string `json:"upload_status"`
}

func viewOf(rec *store.Recording) recordingView {
	return recordingView{
		RecordingID:     rec.ID,
		Title:           rec.Title,
		MeetingID:       rec.MeetingID,
		State:           string(rec.State),
		OutputPath:      rec.OutputPath,
		DurationSeconds: rec.DurationSeconds,
		UploadStatus:    string(rec.UploadStatus),
	}
}

func (r *Runtime) handleSessionStart(w http.ResponseWriter, req *http.Request) {
	var body session.StartRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	rec, err := r.sessions.Start(req.Context(), body)
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(rec))
}

func (r *Runtime) handleSessionStop(w http.ResponseWriter, req *http.Request) {
	id, err := r.sessions.Stop(req.Context())
	switch {
	case errors.Is(err, session.ErrNotActive):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recording_id": id, "state": string(store.StateStopping)})
}

func (r *Runtime) handleSessionCurrent(w http.ResponseWriter, req *http.Request) {
	rec, err := r.sessions.Current(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Active bool `json:"active"`
		recordingView
	}{true, viewOf(rec)})
}

func (r *Runtime) handleUploadRetry(w http.ResponseWriter, req *http.Request) {
	n, err := r.retry.RetryAllNow(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resubmitted": n})
}

func (r *Runtime) handleRecording(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	rec, err := r.store.GetRecording(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("recording %s not found", id))
		return
	}

	resp := struct {
		recordingView
		RetryCount   int               `json:"retry_count"`
		LastError    string            `json:"last_error,omitempty"`
		UploadedURLs map[string]string `json:"uploaded_urls,omitempty"`
	}{recordingView: viewOf(rec)}

	job, err := r.store.GetUploadJob(req.Context(), id)
	if err == nil && job != nil {
		resp.RetryCount = job.RetryCount
		resp.LastError = job.LastError
		resp.UploadedURLs = job.UploadedURLs
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
