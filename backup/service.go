package backup

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/powerbot/powerbot/config"
	"github.com/powerbot/powerbot/internal/profile"
)

var (
	autosaveRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powerbot_backup_autosave_total",
		Help: "Completed autosave runs by result.",
	}, []string{"result"})
	healthPings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "powerbot_backup_health_pings_total",
		Help: "Remote health pings by result.",
	}, []string{"result"})
	lastAutosave = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "powerbot_backup_last_autosave_timestamp_seconds",
		Help: "Unix time of the last successful autosave.",
	})
)

// Service drives the replication engine: a fast loop firing autosaves on
// the configured schedule and a slow loop pinging the remote.
type Service struct {
	local     *sql.DB
	mirrorCfg profile.MySQLConfig
	snapshots *Snapshots
	schedule  *config.Autosave
	logger    *slog.Logger

	// checkEvery is how often the fast loop re-evaluates the schedule.
	checkEvery    time.Duration
	healthEvery   time.Duration
	healthVerbose bool

	mu      sync.Mutex
	lastRun time.Time
}

// NewService wires the replication service. pollEvery <= 0 falls back to a
// five second schedule check; healthEvery <= 0 disables the ping loop.
func NewService(local *sql.DB, mirrorCfg profile.MySQLConfig, snapshots *Snapshots, schedule *config.Autosave, pollEvery, healthEvery time.Duration, healthVerbose bool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if pollEvery <= 0 {
		pollEvery = 5 * time.Second
	}
	return &Service{
		local:         local,
		mirrorCfg:     mirrorCfg,
		snapshots:     snapshots,
		schedule:      schedule,
		logger:        logger.With("component", "backup"),
		checkEvery:    pollEvery,
		healthEvery:   healthEvery,
		healthVerbose: healthVerbose,
	}
}

// Autosave takes one snapshot and mirrors it. The local copy is recorded
// even when the mirror fails; the manifest entry then carries the error.
func (s *Service) Autosave(ctx context.Context, tag string) (*ManifestEntry, error) {
	entry, err := s.snapshots.Create(tag, time.Now(), false, "")
	if err != nil {
		autosaveRuns.WithLabelValues("snapshot_failed").Inc()
		return nil, err
	}

	mirrorErr := s.mirrorOnce(ctx, strings.TrimSuffix(entry.File, ".db"))
	if mirrorErr != nil {
		s.logger.Warn("mirror step failed", "snapshot", entry.File, "error", mirrorErr)
		_ = s.snapshots.SetMirrorResult(entry.File, false, mirrorErr.Error())
		autosaveRuns.WithLabelValues("mirror_failed").Inc()
	} else {
		_ = s.snapshots.SetMirrorResult(entry.File, true, "")
		autosaveRuns.WithLabelValues("ok").Inc()
		lastAutosave.SetToCurrentTime()
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	s.logger.Info("autosave complete", "snapshot", entry.File, "mirror_ok", mirrorErr == nil)
	return entry, nil
}

func (s *Service) mirrorOnce(ctx context.Context, tag string) error {
	if !s.mirrorCfg.Configured() {
		s.logger.Debug("mirror not configured, local snapshot only")
		return nil
	}
	mirror, err := OpenMirror(ctx, s.local, s.mirrorCfg, s.logger)
	if err != nil {
		return err
	}
	defer mirror.Close()
	return mirror.MirrorAll(ctx, tag)
}

// Restore copies a snapshot over the live database and immediately takes
// a recovery-tagged autosave so the remote mirror reflects the restored
// state.
func (s *Service) Restore(ctx context.Context, index int) (*ManifestEntry, error) {
	entry, err := s.snapshots.Restore(index)
	if err != nil {
		return nil, err
	}
	s.logger.Info("snapshot restored", "snapshot", entry.File)
	return s.Autosave(ctx, "recovery")
}

// Snapshots exposes the manifest for console listing.
func (s *Service) Snapshots() *Snapshots {
	return s.snapshots
}

// ReverseSync pulls every mirrored table back into the local database,
// replacing local rows.
func (s *Service) ReverseSync(ctx context.Context) error {
	if !s.mirrorCfg.Configured() {
		return errors.New("mirror not configured")
	}
	mirror, err := OpenMirror(ctx, s.local, s.mirrorCfg, s.logger)
	if err != nil {
		return err
	}
	defer mirror.Close()
	return mirror.ReverseSync(ctx)
}

// CleanRemote drops every mirrored table from the remote database.
func (s *Service) CleanRemote(ctx context.Context) error {
	if !s.mirrorCfg.Configured() {
		return errors.New("mirror not configured")
	}
	mirror, err := OpenMirror(ctx, s.local, s.mirrorCfg, s.logger)
	if err != nil {
		return err
	}
	defer mirror.Close()
	return mirror.CleanRemote(ctx)
}

// PingRemote performs one health probe.
func (s *Service) PingRemote(ctx context.Context) error {
	mirror, err := OpenMirror(ctx, s.local, s.mirrorCfg, s.logger)
	if err != nil {
		return err
	}
	defer mirror.Close()
	return mirror.Ping(ctx)
}

// Run blocks until the context is canceled, driving the autosave schedule
// and the health loop.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(s.checkEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			if !s.schedule.Enabled() {
				continue
			}
			s.mu.Lock()
			due := time.Since(s.lastRun) >= s.schedule.Interval()
			s.mu.Unlock()
			if !due {
				continue
			}
			if _, err := s.Autosave(ctx, "autosave"); err != nil {
				// Scheduler keeps going; the next tick retries.
				s.logger.Error("autosave failed", "error", err)
			}
		}
	})

	if s.healthEvery > 0 && s.mirrorCfg.Configured() {
		g.Go(func() error {
			ticker := time.NewTicker(s.healthEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
				pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				err := s.PingRemote(pingCtx)
				cancel()
				if err != nil {
					healthPings.WithLabelValues("failed").Inc()
					s.logger.Warn("remote health ping failed", "error", err)
					continue
				}
				healthPings.WithLabelValues("ok").Inc()
				if s.healthVerbose {
					s.logger.Info("remote health ping ok")
				}
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
