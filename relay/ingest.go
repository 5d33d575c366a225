package relay

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Ingestor is the entry point for capture sources. Ingest does its work
// synchronously (storage plus one best-effort network attempt); callers must
// dispatch it off their delivery callback goroutine.
type Ingestor struct {
	store    *Store
	client   Deliverer
	settings SettingsStore
	log      *zap.SugaredLogger
}

func NewIngestor(store *Store, client Deliverer, settings SettingsStore, log *zap.SugaredLogger) *Ingestor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Ingestor{store: store, client: client, settings: settings, log: log}
}

// Ingest records one captured raw event and attempts immediate delivery.
// Duplicates of the same logical event collapse to one history row and cause
// no second network call. On any delivery failure, or while disconnected, the
// event lands in the pending queue to be flushed by the retry coordinator.
func (in *Ingestor) Ingest(ctx context.Context, sender string, message string, timestampMs int64, kind EventKind) error {
	ev := Event{
		Sender:         sender,
		Message:        message,
		Timestamp:      timestampMs,
		Kind:           kind,
		IdempotencyKey: KeyForCapture(kind, sender, message),
	}

	inserted, err := in.store.AppendHistoryIfAbsent(ev)
	if err != nil {
		return err
	}
	if !inserted {
		in.log.Debugw("duplicate capture, already in history", "key", ev.IdempotencyKey, "kind", kind)
		return nil
	}

	cs, err := in.settings.Settings(ctx)
	if err != nil {
		in.log.Warnw("settings read failed, queueing event", "error", err)
		cs = ConnectionSettings{}
	}
	if !cs.CanSend() {
		in.log.Debugw("not connected, queueing event", "key", ev.IdempotencyKey)
		return in.enqueue(ev)
	}

	out := in.client.Send(ctx, ev, cs.AccessToken)
	if out.IsDelivered() {
		return in.store.MarkDelivered(ev.IdempotencyKey, time.Now().UnixMilli())
	}

	in.log.Debugw("immediate delivery failed, queueing event",
		"key", ev.IdempotencyKey, "outcome", out.Describe())
	return in.enqueue(ev)
}

// enqueue places the event in the pending queue. Push events get a fresh
// random key per attempt; SMS keeps its content hash so duplicates collapse.
func (in *Ingestor) enqueue(ev Event) error {
	if ev.Kind == KindPush {
		ev.IdempotencyKey = NewAttemptKey()
	}
	_, err := in.store.EnqueuePendingIfAbsent(ev)
	return err
}
