package domain

// The event payload types below travel as eventbus.Event.Payload for the
// topics the transaction, dispute, and compensation engines publish. They
// carry just enough to let the trust engine recompute deltas without
// re-loading the source entity.

// TransactionValidatedEvent is published when a transaction reaches VALIDATED.
type TransactionValidatedEvent struct {
	TxID         string
	Sender       string
	Receiver     string
	Value        float64
	AutoApproved bool
}

// TransactionTimeoutEvent is published when a transaction times out,
// attributed to whichever party failed to confirm.
type TransactionTimeoutEvent struct {
	TxID            string
	AttributedParty string
}

// DisputeOpenedEvent is published when a dispute is opened.
type DisputeOpenedEvent struct {
	DisputeID     string
	TransactionID string
	Initiator     string
}

// DisputeResolvedEvent is published when an arbitrator resolves a dispute.
type DisputeResolvedEvent struct {
	DisputeID     string
	TransactionID string
	Decision      ResolutionDecision
	Initiator     string
	Sender        string
	Receiver      string
}

// CompensationCompletedEvent is published when a follow-up compensation
// transaction reaches VALIDATED and its parent closes out.
type CompensationCompletedEvent struct {
	ParentTxID   string
	AtFaultParty string
}

// DisputeEvidenceAddedEvent is published when a party appends an evidence
// entry to an open dispute.
type DisputeEvidenceAddedEvent struct {
	DisputeID     string
	TransactionID string
	EntryID       string
	SubmittedBy   string
}

// DisputeEscalatedEvent is published when a dispute auto-escalates (evidence
// deadline elapsed) or an arbitrator resolves with decision=ESCALATE.
type DisputeEscalatedEvent struct {
	DisputeID     string
	TransactionID string
}

// TrustUpdatedEvent is published after every trust score mutation.
type TrustUpdatedEvent struct {
	ParticipantID string
	Score         float64
	Tier          Tier
	Cause         string
}
