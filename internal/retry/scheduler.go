// Package retry periodically rescans failed upload jobs and resubmits
// the ones whose backoff window has elapsed.
package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/store"
)

// Submitter resubmits an upload. Returns false when the recording is
// already being uploaded.
type Submitter interface {
	Run(recordingID string) bool
}

type Scheduler struct {
	store   *store.Store
	uploads Submitter
	cfg     config.RetryConfig
	log     *slog.Logger
	clock   func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(st *store.Store, uploads Submitter, cfg config.RetryConfig, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:   st,
		uploads: uploads,
		cfg:     cfg,
		log:     log.With("component", "retry"),
		clock:   time.Now,
	}
}

// Start launches the scan loop: one delayed pass shortly after boot to
// pick up jobs stranded by the previous shutdown, then a steady
// interval.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		startup := time.NewTimer(time.Duration(s.cfg.StartupDelaySeconds) * time.Second)
		defer startup.Stop()
		select {
		case <-startup.C:
			s.sweepStalled(ctx)
			s.scan(ctx)
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(time.Duration(s.cfg.IntervalMinutes) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.scan(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// sweepStalled returns jobs the previous process left mid-attempt to
// the failed state so the normal backoff path picks them up. Anything
// still pending or uploading that is older than the startup delay
// predates this process and was orphaned by a crash or hard shutdown.
func (s *Scheduler) sweepStalled(ctx context.Context) {
	olderThan := time.Duration(s.cfg.StartupDelaySeconds) * time.Second
	n, err := s.store.SweepStalledUploadJobs(ctx, olderThan)
	if err != nil {
		s.log.Error("sweep stalled uploads", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("recovered stalled upload jobs", "count", n)
	}
}

// scan resubmits every eligible failed job and reports how many were
// submitted.
func (s *Scheduler) scan(ctx context.Context) int {
	jobs, err := s.store.ListFailedUploadJobs(ctx, s.cfg.MaxRetries)
	if err != nil {
		s.log.Error("list failed uploads", "error", err)
		return 0
	}

	now := s.clock()
	submitted := 0
	for _, job := range jobs {
		if !s.eligible(job, now) {
			continue
		}
		if s.uploads.Run(job.RecordingID) {
			submitted++
			s.log.Info("resubmitted failed upload",
				"recording_id", job.RecordingID,
				"retry_count", job.RetryCount)
		}
	}
	if submitted > 0 || len(jobs) > 0 {
		s.log.Info("retry scan complete", "failed_jobs", len(jobs), "resubmitted", submitted)
	}
	return submitted
}

// eligible applies the backoff schedule. Retry counts beyond the table
// reuse the last entry.
func (s *Scheduler) eligible(job store.UploadJob, now time.Time) bool {
	if job.LastRetryAt == nil {
		return true
	}
	backoff := s.cfg.BackoffMinutes
	if len(backoff) == 0 {
		return true
	}
	idx := job.RetryCount
	if idx >= len(backoff) {
		idx = len(backoff) - 1
	}
	wait := time.Duration(backoff[idx]) * time.Minute
	return !now.Before(job.LastRetryAt.Add(wait))
}

// RetryAllNow resubmits every failed job under the retry cap,
// bypassing backoff. Wired to the manual retry endpoint.
func (s *Scheduler) RetryAllNow(ctx context.Context) (int, error) {
	jobs, err := s.store.ListFailedUploadJobs(ctx, s.cfg.MaxRetries)
	if err != nil {
		return 0, err
	}
	submitted := 0
	for _, job := range jobs {
		if s.uploads.Run(job.RecordingID) {
			submitted++
		}
	}
	s.log.Info("manual retry", "failed_jobs", len(jobs), "resubmitted", submitted)
	return submitted, nil
}
