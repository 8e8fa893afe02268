// -----------------------------------------------------------------------
// Watch Service - cron-scheduled ingest sweeps over configured sources
// -----------------------------------------------------------------------

package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arca/internal/common"
	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// DefaultSchedule is the sweep cadence applied when
// sources.watch_schedule is unset.
const DefaultSchedule = "*/15 * * * *"

// watermarkKeyPrefix namespaces per-source sweep cursors in the KV
// store so they survive restarts.
const watermarkKeyPrefix = "watch.last_sweep."

// RunFunc drives one ingest sweep for a source. The watch service owns
// scheduling and watermarks; the caller owns what a sweep does.
type RunFunc func(ctx context.Context, source interfaces.SourceAdapter, fetch interfaces.FetchOptions) (*models.BatchSummary, error)

// entry tracks one scheduled source
type entry struct {
	adapter   interfaces.SourceAdapter
	lastSweep time.Time
	lastError string
	isRunning bool
}

// SourceStatus is a point-in-time snapshot of one watched source.
type SourceStatus struct {
	Name      string
	LastSweep time.Time
	LastError string
	IsRunning bool
}

// Service runs every configured remote source on the shared cron
// schedule. Sweeps are serialized: one source fetches at a time, and a
// source whose previous sweep is still going is skipped, not queued.
type Service struct {
	config *common.Config
	kv     interfaces.KeyValueStorage
	run    RunFunc
	logger arbor.ILogger
	cron   *cron.Cron

	sweepMu sync.Mutex // serializes sweeps across sources
	mu      sync.Mutex // protects entries and running
	entries map[string]*entry
	running bool
}

// NewService creates the watch service. kv may be nil; watermarks then
// live only for the process lifetime.
func NewService(config *common.Config, kv interfaces.KeyValueStorage, run RunFunc, logger arbor.ILogger) *Service {
	return &Service{
		config:  config,
		kv:      kv,
		run:     run,
		logger:  logger,
		cron:    cron.New(),
		entries: make(map[string]*entry),
	}
}

// Start registers each adapter under the shared watch schedule and
// begins the cron loop. ctx bounds every sweep the loop launches.
func (s *Service) Start(ctx context.Context, adapters []interfaces.SourceAdapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("watch already running")
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no remote sources configured (sources.imap, sources.gmail, sources.slack, sources.gdocs)")
	}

	schedule := s.config.Sources.WatchSchedule
	if schedule == "" {
		schedule = DefaultSchedule
	}

	for _, adapter := range adapters {
		name := adapter.Name()
		if _, exists := s.entries[name]; exists {
			return fmt.Errorf("source %s already registered", name)
		}
		s.entries[name] = &entry{
			adapter:   adapter,
			lastSweep: s.loadWatermark(ctx, name),
		}
		if _, err := s.cron.AddFunc(schedule, func() {
			s.sweep(ctx, name)
		}); err != nil {
			return fmt.Errorf("failed to schedule source %s: %w", name, err)
		}
		s.logger.Info().
			Str("source", name).
			Str("schedule", schedule).
			Msg("Source registered for watching")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Int("sources", len(adapters)).
		Str("schedule", schedule).
		Msg("Watch started")

	return nil
}

// Stop halts the cron loop and waits for any in-flight sweep to finish.
// Cancel the Start context first to abort a long sweep promptly.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Watch stopped")
}

// SweepAll runs one sweep of every registered source immediately,
// outside the schedule. Used for the initial pass on startup.
func (s *Service) SweepAll(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		s.sweep(ctx, name)
	}
}

// Status reports a snapshot of every registered source.
func (s *Service) Status() []SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]SourceStatus, 0, len(s.entries))
	for name, e := range s.entries {
		statuses = append(statuses, SourceStatus{
			Name:      name,
			LastSweep: e.lastSweep,
			LastError: e.lastError,
			IsRunning: e.isRunning,
		})
	}
	return statuses
}

// sweep fetches everything newer than the source's watermark and runs
// it through the pipeline. The watermark only advances on a clean
// sweep; failures leave it where it was so the next sweep retries.
func (s *Service) sweep(ctx context.Context, name string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("source", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in watch sweep")
			s.mu.Lock()
			if e, exists := s.entries[name]; exists {
				e.isRunning = false
				e.lastError = fmt.Sprintf("panic: %v", r)
			}
			s.mu.Unlock()
		}
	}()

	s.mu.Lock()
	e, exists := s.entries[name]
	if !exists {
		s.mu.Unlock()
		return
	}
	if e.isRunning {
		s.mu.Unlock()
		s.logger.Warn().Str("source", name).Msg("Previous sweep still running, skipping this cycle")
		return
	}
	e.isRunning = true
	after := e.lastSweep
	s.mu.Unlock()

	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := time.Now().UTC()
	s.logger.Info().
		Str("source", name).
		Time("after", after).
		Msg("Sweep started")

	summary, err := s.run(ctx, e.adapter, interfaces.FetchOptions{After: after})

	s.mu.Lock()
	e.isRunning = false
	if err != nil {
		e.lastError = err.Error()
		s.mu.Unlock()
		s.logger.Error().
			Err(err).
			Str("source", name).
			Dur("duration", time.Since(start)).
			Msg("Sweep failed")
		return
	}
	e.lastError = ""
	e.lastSweep = start
	s.mu.Unlock()

	s.saveWatermark(ctx, name, start)

	s.logger.Info().
		Str("source", name).
		Int("processed", summary.Processed).
		Int("skipped", summary.Skipped).
		Int("errors", summary.Errors).
		Dur("duration", time.Since(start)).
		Msg("Sweep completed")
}

// loadWatermark restores the persisted cursor for a source. A missing
// or garbled value means sweep from the beginning of time.
func (s *Service) loadWatermark(ctx context.Context, name string) time.Time {
	if s.kv == nil {
		return time.Time{}
	}
	raw, err := s.kv.Get(ctx, watermarkKeyPrefix+name)
	if err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		s.logger.Warn().
			Str("source", name).
			Str("value", raw).
			Msg("Ignoring unparseable watch watermark")
		return time.Time{}
	}
	return t
}

func (s *Service) saveWatermark(ctx context.Context, name string, t time.Time) {
	if s.kv == nil {
		return
	}
	key := watermarkKeyPrefix + name
	if err := s.kv.Set(ctx, key, t.Format(time.RFC3339), "watch sweep cursor"); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to persist watch watermark")
	}
}
