package worker

// eventPayload is the superset of the task.* and escrow.* payload shapes.
// Consumers read only the fields their event type carries.
type eventPayload struct {
	TaskID      string `json:"task_id"`
	PosterID    string `json:"poster_id"`
	HustlerID   string `json:"hustler_id,omitempty"`
	State       string `json:"state"`
	AmountCents int64  `json:"amount_cents,omitempty"`
	RefundCents int64  `json:"refund_cents,omitempty"`
	ProviderRef string `json:"provider_ref,omitempty"`
	ProofID     string `json:"proof_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
