// Package cleanup provides the audit retention sweep.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/groundctl/groundctl/pkg/store"
)

// Defaults for the retention policy.
const (
	DefaultRetentionDays = 30
	DefaultSweepInterval = 6 * time.Hour
)

// Service periodically deletes audit entries older than the retention
// window. The sweep is idempotent; running it twice deletes nothing extra.
type Service struct {
	store         *store.Store
	retentionDays int
	interval      time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the retention sweep. Zero values select the defaults.
func NewService(st *store.Store, retentionDays int, interval time.Duration) *Service {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Service{
		store:         st,
		retentionDays: retentionDays,
		interval:      interval,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"audit_retention_days", s.retentionDays,
		"interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	count, err := s.store.DeleteAuditBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: audit sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old audit entries", "count", count, "cutoff", cutoff)
	}
}
