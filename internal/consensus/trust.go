package consensus

import (
	"context"
	"encoding/json"

	infrastate "github.com/R3E-Network/consensus-ledger/infrastructure/state"

	svcerrors "github.com/R3E-Network/consensus-ledger/infrastructure/errors"
	"github.com/R3E-Network/consensus-ledger/internal/clock"
	"github.com/R3E-Network/consensus-ledger/internal/domain"
	"github.com/R3E-Network/consensus-ledger/internal/eventbus"
	"github.com/R3E-Network/consensus-ledger/internal/retry"
	"github.com/R3E-Network/consensus-ledger/internal/storage"
	"github.com/R3E-Network/consensus-ledger/pkg/config"
	"github.com/R3E-Network/consensus-ledger/pkg/logger"
)

// TrustEngine is a one-way subscriber that folds transaction, dispute,
// and compensation outcomes into each participant's score. It never
// mutates back into the publishers that drove those events: a plain
// append-only ring plus a pure score/tier recomputation on every write.
type TrustEngine struct {
	deps

	// checkpoint optionally snapshots trust aggregates to a keyed byte
	// store so a restart can seed a warm cache before the full
	// transaction/dispute log replay finishes. Nil disables checkpointing;
	// the trust store itself remains the source of truth either way.
	checkpoint *infrastate.PersistentState
}

// SetCheckpoint wires an optional checkpoint backend, used by
// cmd/appserver's periodic snapshot job.
func (t *TrustEngine) SetCheckpoint(cp *infrastate.PersistentState) {
	t.checkpoint = cp
}

// NewTrustEngine builds a TrustEngine over stores.
func NewTrustEngine(stores *storage.Stores, bus *eventbus.Bus, clk clock.Clock, cfg config.ConsensusConfig, log *logger.Logger) *TrustEngine {
	return &TrustEngine{deps: deps{stores: stores, bus: bus, clk: clk, cfg: cfg, log: log}}
}

// Start subscribes to the topics the trust engine cannot tolerate losing;
// its queue runs in backpressure mode since a dropped event would silently
// corrupt a score.
func (t *TrustEngine) Start(ctx context.Context) error {
	return t.bus.Subscribe(ctx, eventbus.Subscription{
		ID: "trust-engine",
		Topics: []eventbus.Topic{
			eventbus.TopicTransactionValidated,
			eventbus.TopicTransactionTimeout,
			eventbus.TopicDisputeOpened,
			eventbus.TopicDisputeResolved,
			eventbus.TopicCompensationCompleted,
		},
		Handler:  t.handle,
		Mode:     eventbus.QueueUnboundedBackpressure,
		Capacity: t.cfg.EventQueueCap,
	})
}

func (t *TrustEngine) handle(ctx context.Context, evt eventbus.Event) error {
	switch evt.Topic {
	case eventbus.TopicTransactionValidated:
		e, ok := evt.Payload.(domain.TransactionValidatedEvent)
		if !ok {
			return nil
		}
		delta := valueBucketDelta(e.Value)
		if err := t.recordValidated(ctx, e.Sender, delta); err != nil {
			return err
		}
		return t.recordValidated(ctx, e.Receiver, delta)

	case eventbus.TopicTransactionTimeout:
		e, ok := evt.Payload.(domain.TransactionTimeoutEvent)
		if !ok {
			return nil
		}
		return t.recordTimeout(ctx, e.AttributedParty)

	case eventbus.TopicDisputeOpened:
		e, ok := evt.Payload.(domain.DisputeOpenedEvent)
		if !ok {
			return nil
		}
		return t.recordDisputeOpened(ctx, e.Initiator)

	case eventbus.TopicDisputeResolved:
		e, ok := evt.Payload.(domain.DisputeResolvedEvent)
		if !ok {
			return nil
		}
		return t.recordDisputeResolved(ctx, e)

	case eventbus.TopicCompensationCompleted:
		e, ok := evt.Payload.(domain.CompensationCompletedEvent)
		if !ok {
			return nil
		}
		return t.recordCompensationCompleted(ctx, e.AtFaultParty)
	}
	return nil
}

// valueBucketDelta sizes the validation reward by the transaction's value
// bracket, from +0.5 for small transfers up to +2.
func valueBucketDelta(value float64) float64 {
	switch {
	case value <= 100:
		return 0.5
	case value <= 1000:
		return 1
	case value <= 10000:
		return 1.5
	default:
		return 2
	}
}

func (t *TrustEngine) recordValidated(ctx context.Context, participantID string, delta float64) error {
	return t.mutate(ctx, participantID, func(pt *domain.ParticipantTrust) {
		t.applyDelta(pt, delta, "transaction.validated")
		pt.TotalTransactions++
	})
}

func (t *TrustEngine) recordTimeout(ctx context.Context, participantID string) error {
	return t.mutate(ctx, participantID, func(pt *domain.ParticipantTrust) {
		t.applyDelta(pt, -5, "transaction.timeout")
		pt.TimeoutCount++
	})
}

func (t *TrustEngine) recordDisputeOpened(ctx context.Context, initiator string) error {
	return t.mutate(ctx, initiator, func(pt *domain.ParticipantTrust) {
		t.applyDelta(pt, -1, "dispute.opened")
		pt.DisputeCount++
	})
}

func (t *TrustEngine) recordDisputeResolved(ctx context.Context, e domain.DisputeResolvedEvent) error {
	switch e.Decision {
	case domain.DecisionInFavorSender:
		return t.mutate(ctx, e.Receiver, func(pt *domain.ParticipantTrust) {
			t.applyDelta(pt, -10, "dispute.resolved:in_favor_sender")
			pt.DisputesLost++
		})
	case domain.DecisionInFavorReceiver:
		return t.mutate(ctx, e.Sender, func(pt *domain.ParticipantTrust) {
			t.applyDelta(pt, -10, "dispute.resolved:in_favor_receiver")
			pt.DisputesLost++
		})
	case domain.DecisionSplit:
		if err := t.mutate(ctx, e.Sender, func(pt *domain.ParticipantTrust) {
			t.applyDelta(pt, -3, "dispute.resolved:split")
		}); err != nil {
			return err
		}
		return t.mutate(ctx, e.Receiver, func(pt *domain.ParticipantTrust) {
			t.applyDelta(pt, -3, "dispute.resolved:split")
		})
	case domain.DecisionNoFault:
		return t.mutate(ctx, e.Initiator, func(pt *domain.ParticipantTrust) {
			t.applyDelta(pt, 1, "dispute.resolved:no_fault")
		})
	}
	// ESCALATE carries no immediate trust effect; the eventual resolution does.
	return nil
}

func (t *TrustEngine) recordCompensationCompleted(ctx context.Context, atFaultParty string) error {
	return t.mutate(ctx, atFaultParty, func(pt *domain.ParticipantTrust) {
		t.applyDelta(pt, 2, "compensation.completed")
	})
}

// applyDelta appends a capped history entry and reclamps the running score.
// It never saves; mutate does that under a version-guarded retry.
func (t *TrustEngine) applyDelta(pt *domain.ParticipantTrust, delta float64, cause string) {
	historyCap := t.cfg.TrustHistoryCap
	if historyCap <= 0 {
		historyCap = 1024
	}
	pt.History = append(pt.History, domain.TrustDelta{Delta: delta, Cause: cause, At: t.clk.Now()})
	if len(pt.History) > historyCap {
		pt.History = pt.History[len(pt.History)-historyCap:]
	}
	pt.Score = clamp(pt.Score+delta, 0, 100)
}

// mutate loads (or bootstraps) a participant's trust record, applies fn,
// recomputes tier, and saves with a bounded Conflict retry.
func (t *TrustEngine) mutate(ctx context.Context, participantID string, fn func(pt *domain.ParticipantTrust)) error {
	return retry.OnConflict(ctx, t.cfg.ConflictRetries, func() error {
		pt, err := t.stores.Trust.Get(ctx, participantID)
		var expectedVersion int64
		if err != nil {
			if !svcerrors.Is(err, svcerrors.ErrCodeNotFound) {
				return err
			}
			pt = &domain.ParticipantTrust{ParticipantID: participantID, Score: 50, Tier: domain.TierNew}
		} else {
			expectedVersion = pt.Version
		}
		fn(pt)
		pt.UpdatedAt = t.clk.Now()
		pt.Tier = domain.ComputeTier(pt.Score, pt.TotalTransactions, pt.DisputeRate())
		if err := t.stores.Trust.Save(ctx, pt, expectedVersion); err != nil {
			return err
		}
		t.bus.Publish(eventbus.TopicTrustUpdated, domain.TrustUpdatedEvent{ParticipantID: pt.ParticipantID, Score: pt.Score, Tier: pt.Tier})
		return nil
	})
}

// Get returns participantID's trust record, synthesizing an unrated NEW
// record for a participant never before seen rather than erroring — a new
// trading partner starts at the baseline, it doesn't fail to look up.
func (t *TrustEngine) Get(ctx context.Context, participantID string) (*domain.ParticipantTrust, error) {
	pt, err := t.stores.Trust.Get(ctx, participantID)
	if err != nil {
		if svcerrors.Is(err, svcerrors.ErrCodeNotFound) {
			return &domain.ParticipantTrust{ParticipantID: participantID, Score: 50, Tier: domain.TierNew}, nil
		}
		return nil, err
	}
	return pt, nil
}

// History returns participantID's capped score-delta ring.
func (t *TrustEngine) History(ctx context.Context, participantID string) ([]domain.TrustDelta, error) {
	pt, err := t.Get(ctx, participantID)
	if err != nil {
		return nil, err
	}
	return pt.History, nil
}

// Leaderboard returns the top n participants by score.
func (t *TrustEngine) Leaderboard(ctx context.Context, n int) ([]*domain.ParticipantTrust, error) {
	return t.stores.Trust.Leaderboard(ctx, n)
}

// Checkpoint snapshots the current leaderboard into the optional checkpoint
// backend, one key per participant, so a restart can seed reads before the
// full trust store has been queried for every participant. A no-op when no
// checkpoint backend is configured.
func (t *TrustEngine) Checkpoint(ctx context.Context) error {
	if t.checkpoint == nil {
		return nil
	}
	// Leaderboard(0) returns every participant, ordered by score; the cap is
	// generous since this runs off the request path on a timer.
	all, err := t.stores.Trust.Leaderboard(ctx, 0)
	if err != nil {
		return err
	}
	for _, pt := range all {
		data, err := json.Marshal(pt)
		if err != nil {
			return err
		}
		if err := t.checkpoint.Save(ctx, pt.ParticipantID, data); err != nil {
			return err
		}
	}
	return nil
}

// RestoreCheckpoint reads back a previously checkpointed trust record
// without touching the durable trust store, for fast-path reads immediately
// after restart. Returns (nil, false) on a cache miss or disabled
// checkpointing; callers fall back to the trust store.
func (t *TrustEngine) RestoreCheckpoint(ctx context.Context, participantID string) (*domain.ParticipantTrust, bool) {
	if t.checkpoint == nil {
		return nil, false
	}
	data, err := t.checkpoint.Load(ctx, participantID)
	if err != nil || len(data) == 0 {
		return nil, false
	}
	var pt domain.ParticipantTrust
	if json.Unmarshal(data, &pt) != nil {
		return nil, false
	}
	return &pt, true
}

// HasCheckpoint reports whether a checkpoint backend is wired, so callers
// (cmd/appserver's cron scheduling) can skip scheduling a snapshot job that
// would have nothing to write to.
func (t *TrustEngine) HasCheckpoint() bool {
	return t.checkpoint != nil
}

// RestoreAll is the restart-recovery path: for every participant the
// checkpoint backend has a snapshot for but the trust store does not (the
// in-memory store driver starts every process empty; the Postgres driver
// normally already has the record, in which case this is a no-op per
// participant), seed the trust store from the checkpoint rather than
// starting that participant back at the NEW baseline. A no-op when no
// checkpoint backend is configured. Called once from Coordinator.Start,
// before the scheduler and event bus subscriptions come up.
func (t *TrustEngine) RestoreAll(ctx context.Context) error {
	if t.checkpoint == nil {
		return nil
	}
	participantIDs, err := t.checkpoint.List(ctx, "")
	if err != nil {
		return err
	}
	for _, participantID := range participantIDs {
		if _, err := t.stores.Trust.Get(ctx, participantID); err == nil {
			continue
		} else if !svcerrors.Is(err, svcerrors.ErrCodeNotFound) {
			return err
		}
		pt, ok := t.RestoreCheckpoint(ctx, participantID)
		if !ok {
			continue
		}
		pt.Version = 0
		if err := t.stores.Trust.Save(ctx, pt, 0); err != nil {
			return err
		}
	}
	return nil
}
