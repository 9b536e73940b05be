package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhboptions/native/options"
	"nhboptions/observability"
	"nhboptions/services/optionsd/storage"
)

// futureTolerance bounds how far ahead of the local clock a sample may be
// published.
const futureTolerance = 5 * time.Second

// Recorder persists accepted samples.
type Recorder interface {
	RecordSample(ctx context.Context, source string, sample options.PriceSample, recorded time.Time) error
	LatestSample(ctx context.Context, feedID [32]byte) (options.PriceSample, error)
}

// Manager periodically polls a source and publishes accepted samples to the
// feed consulted by settlement.
type Manager struct {
	logger   *slog.Logger
	recorder Recorder
	source   Source
	feed     *Feed
	interval time.Duration
	maxAge   time.Duration
	metrics  *observability.OptionsMetrics
	now      func() time.Time
	once     sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records refresh outcomes in metrics.
func WithMetrics(metrics *observability.OptionsMetrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithClock overrides the manager's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a manager instance.
func New(recorder Recorder, source Source, feed *Feed, interval, maxAge time.Duration, opts ...Option) (*Manager, error) {
	if source == nil {
		return nil, fmt.Errorf("source required")
	}
	if feed == nil {
		return nil, fmt.Errorf("feed required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Duration(options.StalenessThreshold) * time.Second
	}
	mgr := &Manager{
		logger:   slog.Default(),
		recorder: recorder,
		source:   source,
		feed:     feed,
		interval: interval,
		maxAge:   maxAge,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Prime seeds the feed from the most recent persisted sample so settlement
// can proceed right after a restart.
func (m *Manager) Prime(ctx context.Context) error {
	if m.recorder == nil {
		return nil
	}
	sample, err := m.recorder.LatestSample(ctx, m.feed.FeedID())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load latest sample: %w", err)
	}
	m.feed.Update(sample)
	return nil
}

// Run blocks, periodically polling the source until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", slog.String("component", "oracle"), slog.String("source", m.source.Name()))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", slog.String("component", "oracle"), slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick fetches one sample, validates it and publishes it to the feed.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	now := m.now()
	sample, err := m.source.Fetch(ctx)
	if err != nil {
		m.metrics.RecordOracleError(m.source.Name())
		return fmt.Errorf("fetch from %s: %w", m.source.Name(), err)
	}
	if err := m.validate(sample, now); err != nil {
		m.metrics.RecordOracleError(m.source.Name())
		return err
	}
	if !m.feed.Update(sample) {
		return nil
	}
	if m.recorder != nil {
		if err := m.recorder.RecordSample(ctx, m.source.Name(), sample, now); err != nil {
			m.logger.Warn("record sample failed", slog.String("component", "oracle"), slog.Any("error", err))
		}
	}
	m.metrics.SetSampleAge(time.Duration(sample.Age(now.Unix())) * time.Second)
	return nil
}

func (m *Manager) validate(sample options.PriceSample, now time.Time) error {
	if sample.FeedID != m.feed.FeedID() {
		return fmt.Errorf("source %s returned sample for unexpected feed", m.source.Name())
	}
	published := time.Unix(sample.PublishTime, 0)
	if published.After(now.Add(futureTolerance)) {
		return fmt.Errorf("source %s produced future timestamp", m.source.Name())
	}
	if published.Before(now.Add(-m.maxAge)) {
		return fmt.Errorf("source %s sample expired", m.source.Name())
	}
	return nil
}
