package billing

import "context"

// EventLedger remembers which provider events were processed successfully.
// Events are marked only after success, so a failed event is processed again
// on the provider's next retry.
type EventLedger interface {
	// Seen reports whether the event was already processed.
	Seen(ctx context.Context, provider, eventID string) (bool, error)

	// MarkProcessed records the event as processed.
	MarkProcessed(ctx context.Context, provider, eventID string) error
}

// NoopLedger never reports an event as seen.
type NoopLedger struct{}

func (NoopLedger) Seen(_ context.Context, _, _ string) (bool, error)   { return false, nil }
func (NoopLedger) MarkProcessed(_ context.Context, _, _ string) error { return nil }
