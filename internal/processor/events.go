package processor

// Webhook event keys the processor notifies us with.
const (
	EventCaptureSucceeded = "capture.succeeded"
	EventRefundIssued     = "refund.issued"
	EventTransferCreated  = "transfer.created"
	EventDisputeOpened    = "dispute.opened"
)

// WebhookEvent is the processor's notification payload. It carries the
// processor's own identifiers; the booking is located by those, never by
// our booking id.
type WebhookEvent struct {
	ID   string           `json:"id"`
	Type string           `json:"type"`
	Data WebhookEventData `json:"data"`
}

type WebhookEventData struct {
	AuthorizationID string `json:"authorization_id,omitempty"`
	ChargeID        string `json:"charge_id,omitempty"`
	TransferID      string `json:"transfer_id,omitempty"`
	RefundID        string `json:"refund_id,omitempty"`
	Amount          int64  `json:"amount,omitempty"`
	Currency        string `json:"currency,omitempty"`
	Reason          string `json:"reason,omitempty"`
}
