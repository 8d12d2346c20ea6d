package postgres

import (
	"context"
	"encoding/json"

	"github.com/R3E-Network/consensus-ledger/pkg/pgnotify"
)

// TrustNotifier publishes trust updates on a Postgres NOTIFY channel so that
// other instances sharing the durable store can invalidate their local tier
// cache without waiting out its TTL. It publishes a domain event directly
// over pgnotify.Bus's generic channel pub/sub rather than watching row
// changes.
type TrustNotifier struct {
	bus *pgnotify.Bus
}

const trustUpdatedChannel = "trust_updated"

// NewTrustNotifier wraps an already-connected pgnotify.Bus.
func NewTrustNotifier(bus *pgnotify.Bus) *TrustNotifier {
	return &TrustNotifier{bus: bus}
}

// trustUpdatedPayload is what rides the NOTIFY channel; only the
// participant id is needed since subscribers reload the fresh tier from
// their own trust store rather than trusting the wire payload.
type trustUpdatedPayload struct {
	ParticipantID string `json:"participantId"`
}

// Publish announces that participantID's trust record changed.
func (n *TrustNotifier) Publish(ctx context.Context, participantID string) error {
	if n == nil || n.bus == nil {
		return nil
	}
	return n.bus.Publish(ctx, trustUpdatedChannel, trustUpdatedPayload{ParticipantID: participantID})
}

// OnTrustUpdated registers a local callback invoked whenever any instance
// (including this one) publishes a trust update, e.g. to evict a tier cache
// entry.
func (n *TrustNotifier) OnTrustUpdated(handler func(ctx context.Context, participantID string) error) error {
	if n == nil || n.bus == nil {
		return nil
	}
	return n.bus.Subscribe(trustUpdatedChannel, func(ctx context.Context, event pgnotify.Event) error {
		var payload trustUpdatedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		return handler(ctx, payload.ParticipantID)
	})
}
