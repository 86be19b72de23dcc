package marketdata

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SimSource is a deterministic random-walk feed for paper and backtest
// sessions. The same seed always produces the same tick sequence.
type SimSource struct {
	name     string
	symbols  []string
	interval time.Duration
	seed     int64
	start    float64
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// SimSourceConfig configures a SimSource.
type SimSourceConfig struct {
	Name       string
	Symbols    []string
	Interval   time.Duration
	Seed       int64
	StartPrice float64
}

// NewSimSource creates a simulated feed.
func NewSimSource(cfg SimSourceConfig, logger *zap.Logger) *SimSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	start := cfg.StartPrice
	if start <= 0 {
		start = 50000
	}
	name := cfg.Name
	if name == "" {
		name = "sim"
	}
	return &SimSource{
		name:     name,
		symbols:  cfg.Symbols,
		interval: interval,
		seed:     cfg.Seed,
		start:    start,
		logger:   logger,
	}
}

// Name returns the source name.
func (s *SimSource) Name() string { return s.name }

// Start begins emitting ticks on the configured interval.
func (s *SimSource) Start(ctx context.Context, out chan<- VenueEvent) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.run(runCtx, out)
	}()
	return nil
}

func (s *SimSource) run(ctx context.Context, out chan<- VenueEvent) {
	rng := rand.New(rand.NewSource(s.seed))
	prices := make(map[string]float64, len(s.symbols))
	for _, sym := range s.symbols {
		prices[sym] = s.start
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, sym := range s.symbols {
				last := prices[sym]
				// Geometric step, ~10 bps stdev per tick.
				next := last * math.Exp(rng.NormFloat64()*0.001)
				prices[sym] = next

				high, low := last, next
				if next > last {
					high, low = next, last
				}
				tick := VenueTick{
					Symbol:      sym,
					TS:          now.UnixNano(),
					Open:        last,
					High:        high,
					Low:         low,
					Close:       next,
					Volume:      rng.Float64() * 10,
					TradesCount: 1 + rng.Int63n(50),
				}
				select {
				case out <- VenueEvent{Tick: &tick}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Stop ends the feed.
func (s *SimSource) Stop(ctx context.Context) error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
