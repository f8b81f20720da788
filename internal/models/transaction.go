package models

import "time"

// Transaction is one logical buyer journey from discovery to confirmed
// (or failed) purchase, correlated by its ID across all protocol messages.
type Transaction struct {
	ID            string    `db:"id" json:"id"`
	State         string    `db:"state" json:"state"`
	BppID         *string   `db:"bpp_id" json:"bpp_id,omitempty"`
	BppURI        *string   `db:"bpp_uri" json:"bpp_uri,omitempty"`
	Intent        Intent    `db:"-" json:"intent"`
	TTLSeconds    int       `db:"ttl_seconds" json:"ttl_seconds"`
	Deadline      time.Time `db:"deadline" json:"deadline"`
	FailureReason *string   `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Intent is the buyer's original ask persisted when a transaction opens
type Intent struct {
	QuantityKWh float64   `json:"quantity_kwh"`
	SourceType  string    `json:"source_type,omitempty"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	MaxPrice    float64   `json:"max_price,omitempty"`
	Currency    string    `json:"currency,omitempty"`
}

// Transaction states. States progress strictly forward; every state is
// terminal unless a transition out of it is listed in the tables below.
const (
	StateInitiated    = "INITIATED"
	StateDiscovering  = "DISCOVERING"
	StateDiscovered   = "DISCOVERED"
	StateSelecting    = "SELECTING"
	StateSelected     = "SELECTED"
	StateInitializing = "INITIALIZING"
	StateInitialized  = "INITIALIZED"
	StateConfirming   = "CONFIRMING"
	StateConfirmed    = "CONFIRMED"
	StateFailed       = "FAILED"
	StateExpired      = "EXPIRED"
	StateCancelled    = "CANCELLED"
)

// Failure reasons surfaced on terminal transactions
const (
	ReasonInsufficientQuantity = "INSUFFICIENT_QUANTITY"
	ReasonNotReserved          = "NOT_RESERVED"
	ReasonProviderError        = "PROVIDER_ERROR"
	ReasonExpired              = "TTL_EXPIRED"
	ReasonCancelled            = "BUYER_CANCELLED"
)

// outboundTransitions maps an outbound action to the state it requires
// and the in-flight state it moves the transaction into.
var outboundTransitions = map[string]struct{ from, to string }{
	ActionDiscover: {StateInitiated, StateDiscovering},
	ActionSelect:   {StateDiscovered, StateSelecting},
	ActionInit:     {StateSelected, StateInitializing},
	ActionConfirm:  {StateInitialized, StateConfirming},
}

// inboundTransitions maps a callback action to the in-flight state it
// settles and the settled state it produces.
var inboundTransitions = map[string]struct{ from, to string }{
	ActionOnDiscover: {StateDiscovering, StateDiscovered},
	ActionOnSelect:   {StateSelecting, StateSelected},
	ActionOnInit:     {StateInitializing, StateInitialized},
	ActionOnConfirm:  {StateConfirming, StateConfirmed},
}

// cancellableStates are the only states a buyer cancellation is honored from
var cancellableStates = map[string]bool{
	StateSelected:    true,
	StateInitialized: true,
	StateConfirming:  true,
}

// NextOutboundState returns the state an outbound action moves the
// transaction into, or false when the action is illegal from the current
// state. status actions never change state and report the current one.
func NextOutboundState(current, action string) (string, bool) {
	if action == ActionStatus {
		if IsTerminalState(current) {
			return "", false
		}
		return current, true
	}
	t, ok := outboundTransitions[action]
	if !ok || t.from != current {
		return "", false
	}
	return t.to, true
}

// NextInboundState returns the settled state a callback action produces,
// or false when the callback does not match the current in-flight state.
func NextInboundState(current, action string) (string, bool) {
	if action == ActionOnStatus {
		if IsTerminalState(current) {
			return "", false
		}
		return current, true
	}
	if action == ActionOnCancel {
		if !cancellableStates[current] {
			return "", false
		}
		return StateCancelled, true
	}
	t, ok := inboundTransitions[action]
	if !ok || t.from != current {
		return "", false
	}
	return t.to, true
}

// IsTerminalState reports whether no further transition can leave the state
func IsTerminalState(state string) bool {
	switch state {
	case StateConfirmed, StateFailed, StateExpired, StateCancelled:
		return true
	}
	return false
}

// CanCancel reports whether a buyer cancellation is legal from the state
func CanCancel(state string) bool {
	return cancellableStates[state]
}
