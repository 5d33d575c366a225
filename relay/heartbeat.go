package relay

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Heartbeat periodically pings the backend to signal liveness. Failures are
// logged and ignored: the loop never stops and never touches the retry queue.
type Heartbeat struct {
	client   Deliverer
	settings SettingsStore
	interval time.Duration
	log      *zap.SugaredLogger
}

func NewHeartbeat(client Deliverer, settings SettingsStore, interval time.Duration, log *zap.SugaredLogger) *Heartbeat {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Heartbeat{client: client, settings: settings, interval: interval, log: log}
}

// Run ticks until ctx is cancelled. Ticks execute sequentially, so they
// cannot overlap.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick performs one heartbeat: skip while disconnected, otherwise ping and
// record the time of a successful round trip.
func (h *Heartbeat) Tick(ctx context.Context) {
	cs, err := h.settings.Settings(ctx)
	if err != nil {
		h.log.Debugw("heartbeat settings read failed", "error", err)
		return
	}
	if !cs.CanSend() {
		return
	}
	out := h.client.Ping(ctx, cs.AccessToken)
	if !out.IsDelivered() {
		h.log.Debugw("ping failed", "outcome", out.Describe())
		return
	}
	if err := h.settings.SaveLastHeartbeat(ctx, time.Now().UnixMilli()); err != nil {
		h.log.Warnw("saving heartbeat time failed", "error", err)
	}
}
