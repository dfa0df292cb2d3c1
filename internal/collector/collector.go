package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"matchprobe/pkg/interfaces"
	"matchprobe/pkg/types"
)

// Defaults for channel and batch sizing
const (
	DefaultChannelSize   = 1000
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
)

// Collector batches iteration outcomes into the results store
// ARCHITECTURAL DISCOVERY: a single collector goroutine owns the pending batch,
// so VUs only pay for a non-blocking channel send
type Collector struct {
	// FUNCTIONAL DISCOVERY: buffered channel absorbs bursts when many VUs finish together
	outcomeChannel  chan *types.IterationOutcome
	shutdownChannel chan struct{} // Unbuffered for immediate shutdown signaling
	done            chan struct{}

	store         interfaces.OutcomeStore
	runID         string
	batchSize     int
	flushInterval time.Duration
	logger        zerolog.Logger

	saved   atomic.Int64
	dropped atomic.Int64

	// TECHNICAL DISCOVERY: RWMutex lets Submit run concurrently while Stop
	// excludes late sends before the final drain
	running bool
	mu      sync.RWMutex
}

// Options sizes the collector
type Options struct {
	ChannelSize   int
	BatchSize     int
	FlushInterval time.Duration
}

// New creates a collector writing outcomes of runID into store
func New(store interfaces.OutcomeStore, runID string, opts Options, logger zerolog.Logger) *Collector {
	if opts.ChannelSize <= 0 {
		opts.ChannelSize = DefaultChannelSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	return &Collector{
		outcomeChannel:  make(chan *types.IterationOutcome, opts.ChannelSize),
		shutdownChannel: make(chan struct{}),
		done:            make(chan struct{}),
		store:           store,
		runID:           runID,
		batchSize:       opts.BatchSize,
		flushInterval:   opts.FlushInterval,
		logger:          logger.With().Str("module", "collector").Str("run", runID).Logger(),
	}
}

// Start begins collecting
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrCollectorAlreadyRunning
	}
	select {
	case <-c.done:
		return ErrCollectorStopped
	default:
	}
	c.running = true

	c.logger.Debug().Msg("starting outcome collector")
	go c.run(ctx)
	return nil
}

// Stop flushes pending outcomes and waits for the collector goroutine to exit
func (c *Collector) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrCollectorNotRunning
	}
	c.running = false
	close(c.shutdownChannel)
	c.mu.Unlock()

	<-c.done
	c.logger.Debug().Int64("saved", c.saved.Load()).Int64("dropped", c.dropped.Load()).Msg("outcome collector stopped")
	return nil
}

// Submit queues an outcome without blocking
func (c *Collector) Submit(outcome *types.IterationOutcome) error {
	if outcome == nil {
		return ErrNilOutcome
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.running {
		return ErrCollectorNotRunning
	}

	// TECHNICAL DISCOVERY: Non-blocking send keeps a slow store from stalling VUs
	select {
	case c.outcomeChannel <- outcome:
		return nil
	default:
		c.dropped.Add(1)
		return ErrOutcomeChannelFull
	}
}

// Saved returns how many outcomes reached the store
func (c *Collector) Saved() int64 {
	return c.saved.Load()
}

// Dropped returns how many outcomes were rejected because the channel was full
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

// run is the main processing loop
func (c *Collector) run(ctx context.Context) {
	defer close(c.done)

	batch := make([]*types.IterationOutcome, 0, c.batchSize)
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case outcome := <-c.outcomeChannel:
			batch = append(batch, outcome)
			if len(batch) >= c.batchSize {
				batch = c.flush(ctx, batch)
			}

		case <-ticker.C:
			batch = c.flush(ctx, batch)

		case <-c.shutdownChannel:
			// Stop holds the lock until shutdown is signalled, so nothing new arrives
			for {
				select {
				case outcome := <-c.outcomeChannel:
					batch = append(batch, outcome)
					if len(batch) >= c.batchSize {
						batch = c.flush(context.WithoutCancel(ctx), batch)
					}
				default:
					c.flush(context.WithoutCancel(ctx), batch)
					return
				}
			}

		case <-ctx.Done():
			c.logger.Warn().Int("pending", len(batch)+len(c.outcomeChannel)).Msg("collector context cancelled")
			return
		}
	}
}

// flush writes the batch and returns a fresh one; the store may keep the old slice
// FUNCTIONAL DISCOVERY: persistence failures are logged and never fail the run
func (c *Collector) flush(ctx context.Context, batch []*types.IterationOutcome) []*types.IterationOutcome {
	if len(batch) == 0 {
		return batch
	}

	if err := c.store.SaveOutcomes(ctx, c.runID, batch); err != nil {
		c.logger.Error().Err(err).Int("count", len(batch)).Msg("failed to save outcomes")
	} else {
		c.saved.Add(int64(len(batch)))
	}
	return make([]*types.IterationOutcome, 0, c.batchSize)
}
