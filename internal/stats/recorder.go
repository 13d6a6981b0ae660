// Package stats keeps the per-device sync history.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/logging"
	"bizsync-p2p/internal/repository"
)

// Run is the summary of one finished session with one peer.
type Run struct {
	DeviceID   string
	Transport  domain.TransportType
	Outcome    domain.SessionOutcome
	Items      int
	Bytes      int64
	ByCategory map[domain.Category]int
	Duration   time.Duration
	Err        string
}

type Recorder struct {
	repo repository.StatsRepository
	log  *slog.Logger
	now  func() time.Time
	mu   sync.Mutex
}

func NewRecorder(repo repository.StatsRepository, log *slog.Logger) *Recorder {
	return &Recorder{repo: repo, log: logging.Component(log, "stats"), now: time.Now}
}

// Record folds one run into the device's history.
func (r *Recorder) Record(ctx context.Context, run Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.repo.Get(ctx, run.DeviceID)
	if err != nil {
		return domain.E(domain.KindInternal, "stats.Record", err)
	}
	s.DeviceID = run.DeviceID

	prior := s.SessionsSucceeded + s.SessionsFailed
	s.SessionsAttempted++
	switch run.Outcome {
	case domain.OutcomeSuccess, domain.OutcomeCompletedWithConflicts:
		s.SessionsSucceeded++
	case domain.OutcomeFailed:
		s.SessionsFailed++
	}
	if done := s.SessionsSucceeded + s.SessionsFailed; done > prior {
		s.AverageDuration = (s.AverageDuration*time.Duration(prior) + run.Duration) / time.Duration(done)
	}

	s.ItemsSynced += int64(run.Items)
	s.BytesTransferred += run.Bytes
	if s.ByTransport == nil {
		s.ByTransport = make(map[string]int)
	}
	s.ByTransport[run.Transport.String()]++
	if s.ByCategory == nil {
		s.ByCategory = make(map[domain.Category]int)
	}
	for cat, n := range run.ByCategory {
		s.ByCategory[cat] += n
	}
	if run.Err != "" {
		s.RecentErrors = append(s.RecentErrors, run.Err)
		if over := len(s.RecentErrors) - domain.MaxRecentErrors; over > 0 {
			s.RecentErrors = append([]string(nil), s.RecentErrors[over:]...)
		}
	}
	s.UpdatedAt = r.now()

	if err := r.repo.Save(ctx, s); err != nil {
		return domain.E(domain.KindInternal, "stats.Record", err)
	}
	r.log.Debug("sync stats updated", "device", run.DeviceID, "outcome", run.Outcome)
	return nil
}

func (r *Recorder) Get(ctx context.Context, deviceID string) (*domain.SyncStats, error) {
	return r.repo.Get(ctx, deviceID)
}
