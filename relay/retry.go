package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type CoordinatorConfig struct {
	// Interval between periodic runs.
	Interval time.Duration
	// Concurrency caps the fan-out across pending events within one run.
	Concurrency int
	// MaxAttempts dead-letters a queue row after this many failed attempts.
	// Zero means retry forever.
	MaxAttempts int
	// InitialBackoff / MaxBackoff bound the per-row reschedule delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Minute
	}
}

// RunReport summarizes one coordinator pass. AllDelivered is the
// success / retry-needed signal for the scheduler.
type RunReport struct {
	Skipped   bool
	Attempted int
	Delivered int
	Failed    int
	Dead      int
}

func (r RunReport) AllDelivered() bool {
	return !r.Skipped && r.Attempted == r.Delivered
}

// Coordinator periodically drains the pending queue: snapshot the due rows,
// attempt delivery for each with bounded concurrency, and reconcile results
// back into the store. Runs never overlap; a run still in flight when the next
// tick arrives makes that tick a no-op.
type Coordinator struct {
	cfg      CoordinatorConfig
	store    *Store
	client   Deliverer
	settings SettingsStore
	log      *zap.SugaredLogger
	mu       sync.Mutex
}

func NewCoordinator(cfg CoordinatorConfig, store *Store, client Deliverer, settings SettingsStore, log *zap.SugaredLogger) *Coordinator {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Coordinator{cfg: cfg, store: store, client: client, settings: settings, log: log}
}

// Run executes RunOnce on the configured period until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := c.RunOnce(ctx)
			if err != nil {
				c.log.Errorw("retry run failed", "error", err)
				continue
			}
			if report.Skipped || report.Attempted == 0 {
				continue
			}
			c.log.Infow("retry run done",
				"attempted", report.Attempted,
				"delivered", report.Delivered,
				"failed", report.Failed,
				"dead", report.Dead)
		}
	}
}

// RunOnce performs a single pass over the due pending rows. If another run is
// already in flight the pass is skipped, so no two runs act on the same row
// concurrently.
func (c *Coordinator) RunOnce(ctx context.Context) (RunReport, error) {
	if !c.mu.TryLock() {
		return RunReport{Skipped: true}, nil
	}
	defer c.mu.Unlock()

	cs, err := c.settings.Settings(ctx)
	if err != nil {
		return RunReport{}, err
	}
	if !cs.CanSend() {
		return RunReport{}, nil
	}

	pending, err := c.store.ListPending(time.Now().UnixMilli())
	if err != nil {
		return RunReport{}, err
	}
	if len(pending) == 0 {
		return RunReport{}, nil
	}

	var delivered, failed, dead atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, ev := range pending {
		ev := ev
		g.Go(func() error {
			switch c.attempt(gctx, ev, cs.AccessToken) {
			case attemptDelivered:
				delivered.Add(1)
			case attemptDead:
				dead.Add(1)
				failed.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return RunReport{
		Attempted: len(pending),
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
		Dead:      int(dead.Load()),
	}, nil
}

type attemptResult int

const (
	attemptDelivered attemptResult = iota
	attemptFailed
	attemptDead
)

func (c *Coordinator) attempt(ctx context.Context, ev Event, accessToken string) attemptResult {
	out := c.client.Send(ctx, ev, accessToken)
	if out.IsDelivered() {
		if err := c.store.DequeuePending(ev.IdempotencyKey); err != nil {
			// The row stays queued and will be re-sent; the idempotency key
			// lets the backend collapse the duplicate.
			c.log.Errorw("dequeue after delivery failed", "key", ev.IdempotencyKey, "error", err)
			return attemptFailed
		}
		if err := c.store.MarkDelivered(ev.IdempotencyKey, time.Now().UnixMilli()); err != nil {
			c.log.Errorw("mark delivered failed", "key", ev.IdempotencyKey, "error", err)
		}
		return attemptDelivered
	}

	wentDead, err := c.store.RecordAttemptFailure(ev.IdempotencyKey, out.Describe(), c.cfg.MaxAttempts,
		func(attempt int) int64 {
			return time.Now().Add(c.backoffDelay(attempt)).UnixMilli()
		})
	if err != nil {
		c.log.Errorw("record attempt failure failed", "key", ev.IdempotencyKey, "error", err)
		return attemptFailed
	}
	if wentDead {
		c.log.Warnw("event dead-lettered", "key", ev.IdempotencyKey, "outcome", out.Describe())
		return attemptDead
	}
	c.log.Debugw("retry failed, rescheduled", "key", ev.IdempotencyKey, "outcome", out.Describe())
	return attemptFailed
}

// backoffDelay derives the reschedule delay for the given attempt count:
// exponential with jitter, bounded by the configured max.
func (c *Coordinator) backoffDelay(attempt int) time.Duration {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.InitialBackoff
	exp.MaxInterval = c.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	exp.Reset()
	d := exp.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = exp.NextBackOff()
	}
	return d
}
