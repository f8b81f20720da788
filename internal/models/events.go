package models

import "time"

// Event types published to the notification topic
const (
	EventTypeTransactionState = "TRANSACTION_STATE_CHANGED"
	EventTypeBlocksReserved   = "BLOCKS_RESERVED"
	EventTypeBlocksReleased   = "BLOCKS_RELEASED"
	EventTypeOrderConfirmed   = "ORDER_CONFIRMED"
	EventTypeOrderFailed      = "ORDER_FAILED"
)

// BaseEvent contains common fields for all published events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// TransactionSnapshot is emitted to the notification/UI collaborator on
// every state transition. Order and FailureReason are populated when the
// transaction carries them.
type TransactionSnapshot struct {
	BaseEvent
	TransactionID string  `json:"transaction_id"`
	State         string  `json:"state"`
	Order         *Order  `json:"order,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`
}

// BlocksReservedEvent published when a selection's blocks are claimed
type BlocksReservedEvent struct {
	BaseEvent
	TransactionID string       `json:"transaction_id"`
	Blocks        []OfferBlock `json:"blocks"`
}

// BlocksReleasedEvent published when held blocks return to the pool
type BlocksReleasedEvent struct {
	BaseEvent
	TransactionID string   `json:"transaction_id"`
	BlockIDs      []string `json:"block_ids"`
	Reason        string   `json:"reason"`
}

// OrderConfirmedEvent published when a transaction completes; drives the
// provider statistics worker
type OrderConfirmedEvent struct {
	BaseEvent
	TransactionID string  `json:"transaction_id"`
	OrderID       string  `json:"order_id"`
	ProviderID    string  `json:"provider_id"`
	TotalQuantity float64 `json:"total_quantity"`
	TotalPrice    float64 `json:"total_price"`
	Currency      string  `json:"currency"`
}

// OrderFailedEvent published when a transaction ends in a failure state
type OrderFailedEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	ProviderID    string `json:"provider_id,omitempty"`
	Reason        string `json:"reason"`
}
