package relay

// EventKind is the origin of a captured event. Serialized with a fixed wire
// name ("sms" / "push") in both the store and the delivery payload.
type EventKind string

const (
	KindSMS  EventKind = "sms"
	KindPush EventKind = "push"
)

// KindFromWire maps a wire name back to an EventKind.
func KindFromWire(s string) (EventKind, bool) {
	switch EventKind(s) {
	case KindSMS:
		return KindSMS, true
	case KindPush:
		return KindPush, true
	default:
		return "", false
	}
}

// Event is a captured message plus its delivery metadata.
type Event struct {
	Sender         string    `json:"sender"`
	Message        string    `json:"message"`
	Timestamp      int64     `json:"timestamp"` // capture time, ms since epoch
	Kind           EventKind `json:"type"`
	IdempotencyKey string    `json:"idempotency_key"`
	SentAt         int64     `json:"sent_at"` // 0 until the backend acknowledged
}

// HistoryEvent is the append-only log row: one per logical event.
// Only sent_at is ever updated, 0 -> positive timestamp, exactly once.
type HistoryEvent struct {
	ID             uint   `gorm:"primaryKey"`
	Sender         string `gorm:"index;size:256"`
	Message        string `gorm:"type:text"`
	Timestamp      int64  `gorm:"index"`
	Kind           string `gorm:"index;size:8"`
	IdempotencyKey string `gorm:"uniqueIndex;size:64"`
	SentAt         int64  `gorm:"index"`
}

// PendingEvent is a retry-queue row. A row exists while the event has not been
// confirmed delivered; dead rows are kept for inspection but never retried.
type PendingEvent struct {
	ID             uint   `gorm:"primaryKey"`
	Sender         string `gorm:"size:256"`
	Message        string `gorm:"type:text"`
	Timestamp      int64
	Kind           string `gorm:"size:8"`
	IdempotencyKey string `gorm:"uniqueIndex;size:64"`
	EnqueuedAt     int64
	RetryCount     int
	NextAttemptAt  int64  `gorm:"index"`
	LastError      string `gorm:"type:text"`
	Dead           bool   `gorm:"index"`
}

func historyFromEvent(ev Event) HistoryEvent {
	return HistoryEvent{
		Sender:         ev.Sender,
		Message:        ev.Message,
		Timestamp:      ev.Timestamp,
		Kind:           string(ev.Kind),
		IdempotencyKey: ev.IdempotencyKey,
		SentAt:         ev.SentAt,
	}
}

func (h HistoryEvent) Event() Event {
	return Event{
		Sender:         h.Sender,
		Message:        h.Message,
		Timestamp:      h.Timestamp,
		Kind:           EventKind(h.Kind),
		IdempotencyKey: h.IdempotencyKey,
		SentAt:         h.SentAt,
	}
}

func pendingFromEvent(ev Event, nowMs int64) PendingEvent {
	return PendingEvent{
		Sender:         ev.Sender,
		Message:        ev.Message,
		Timestamp:      ev.Timestamp,
		Kind:           string(ev.Kind),
		IdempotencyKey: ev.IdempotencyKey,
		EnqueuedAt:     nowMs,
		NextAttemptAt:  nowMs,
	}
}

func (p PendingEvent) Event() Event {
	return Event{
		Sender:         p.Sender,
		Message:        p.Message,
		Timestamp:      p.Timestamp,
		Kind:           EventKind(p.Kind),
		IdempotencyKey: p.IdempotencyKey,
	}
}
