package pricefeed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/papertrade/internal/metrics"
	"github.com/atmx/papertrade/internal/model"
)

// DefaultInterval is the polling period.
const DefaultInterval = 5 * time.Second

// PublishFunc receives every market state published for symbol.
type PublishFunc func(symbol string, st model.MarketState)

// Poller polls one symbol at a time. Restarting with a new symbol tears
// the previous loop down first; responses from a torn-down loop are
// discarded.
type Poller struct {
	quoter   Quoter
	publish  PublishFunc
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64
	symbol string
	state  model.MarketState
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval overrides the polling period.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithClock injects the time source used for LastUpdate.
func WithClock(now func() time.Time) PollerOption {
	return func(p *Poller) { p.now = now }
}

// WithLogger sets the logger for fetch failures.
func WithLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) { p.logger = l }
}

// NewPoller creates a stopped poller.
func NewPoller(q Quoter, publish PublishFunc, opts ...PollerOption) *Poller {
	p := &Poller{
		quoter:   q,
		publish:  publish,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling symbol immediately and then every interval. Any
// previous loop is stopped and the published state is reset to loading
// with an unknown price.
func (p *Poller) Start(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.gen++
	p.symbol = symbol
	p.state = model.MarketState{IsLoading: true}

	go p.run(ctx, p.gen, symbol)
}

// Stop cancels the loop and any request in flight. It does not wait for
// the loop goroutine to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
}

// Running reports whether a loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Symbol returns the symbol of the current loop.
func (p *Poller) Symbol() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.symbol
}

// State returns the latest published market state.
func (p *Poller) State() model.MarketState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) run(ctx context.Context, gen uint64, symbol string) {
	var inFlight atomic.Bool

	p.poll(ctx, gen, symbol, &inFlight)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, gen, symbol, &inFlight)
		}
	}
}

// poll starts one fetch unless the previous one is still outstanding.
func (p *Poller) poll(ctx context.Context, gen uint64, symbol string, inFlight *atomic.Bool) {
	if !inFlight.CompareAndSwap(false, true) {
		metrics.PricePolls.WithLabelValues("skipped").Inc()
		return
	}

	go func() {
		defer inFlight.Store(false)

		start := time.Now()
		price, err := p.quoter.Quote(ctx, symbol)
		metrics.PriceFetchLatency.Observe(time.Since(start).Seconds())

		p.mu.Lock()
		if gen != p.gen || ctx.Err() != nil {
			// Torn down while the request was in flight.
			p.mu.Unlock()
			return
		}
		st := p.state
		if err != nil {
			st.IsLoading = false
		} else {
			st = model.MarketState{Price: price, IsLoading: false, LastUpdate: p.now()}
		}
		p.state = st
		p.mu.Unlock()

		if err != nil {
			metrics.PricePolls.WithLabelValues("error").Inc()
			p.logger.Warn("price fetch failed", "symbol", symbol, "err", err)
		} else {
			metrics.PricePolls.WithLabelValues("success").Inc()
		}

		if p.publish != nil {
			p.publish(symbol, st)
		}
	}()
}
