package delivery

import (
	"context"
	"time"
)

// AdapterResolver looks up the live Adapter for a channel name at recovery
// time (channels may not have been registered yet when the queue was
// written).
type AdapterResolver func(channel string) (Adapter, bool)

// Recover scans the queue for pending entries left over from a previous
// process (crash recovery) and retries them, honoring each entry's backoff
// schedule and an overall time budget (maxRecoveryDuration) so recovery
// never blocks startup indefinitely.
func (e *Engine) Recover(ctx context.Context, resolve AdapterResolver, maxRecoveryDuration time.Duration) {
	if e.Queue == nil {
		return
	}
	entries, err := e.Queue.LoadPending()
	if err != nil {
		return
	}

	deadline := time.Now().Add(maxRecoveryDuration)

	for _, entry := range entries {
		if time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		adapter, ok := resolve(entry.Channel)
		if !ok {
			continue
		}

		delay := NextDelay(entry.Attempts)
		if entry.Attempts > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		_, _ = e.Deliver(ctx, DeliverRequest{
			Channel:    entry.Channel,
			ChatID:     entry.ChatID,
			AccountID:  entry.AccountID,
			SessionKey: entry.SessionKey,
			Payloads:   entry.Payloads,
			BestEffort: entry.BestEffort,
			Adapter:    adapter,
		})
	}
}
