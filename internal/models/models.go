package models

import "time"

// Provider represents a trading counterparty selling energy on the network
type Provider struct {
	ID              string    `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	TrustScore      float64   `db:"trust_score" json:"trust_score"`
	OrdersConfirmed int64     `db:"orders_confirmed" json:"orders_confirmed"`
	OrdersFailed    int64     `db:"orders_failed" json:"orders_failed"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// CatalogItem represents a sellable energy resource instance (e.g. one meter's surplus)
type CatalogItem struct {
	ID                string             `db:"id" json:"id"`
	ProviderID        string             `db:"provider_id" json:"provider_id"`
	SourceType        string             `db:"source_type" json:"source_type"`
	DeliveryMode      string             `db:"delivery_mode" json:"delivery_mode"`
	TotalQuantityKWh  float64            `db:"total_quantity_kwh" json:"total_quantity_kwh"`
	MeterID           string             `db:"meter_id" json:"meter_id,omitempty"`
	ProductionWindows []ProductionWindow `db:"-" json:"production_windows"`
	CreatedAt         time.Time          `db:"created_at" json:"created_at"`
}

// ProductionWindow is a time span during which an item produces energy
type ProductionWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CatalogOffer is a priced, time-windowed slice of a CatalogItem
type CatalogOffer struct {
	ID             string    `db:"id" json:"id"`
	ItemID         string    `db:"item_id" json:"item_id"`
	ProviderID     string    `db:"provider_id" json:"provider_id"`
	PriceValue     float64   `db:"price_value" json:"price_value"`
	PriceCurrency  string    `db:"price_currency" json:"price_currency"`
	MaxQuantityKWh float64   `db:"max_quantity_kwh" json:"max_quantity_kwh"`
	WindowStart    time.Time `db:"window_start" json:"window_start"`
	WindowEnd      time.Time `db:"window_end" json:"window_end"`
	PricingModel   string    `db:"pricing_model" json:"pricing_model"`
	SettlementType string    `db:"settlement_type" json:"settlement_type"`
	Active         bool      `db:"active" json:"active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// OfferBlock is the atomic reservable unit carved from a CatalogOffer.
// A block has at most one live owner transaction while reserved or sold;
// the reservation engine is the only writer of its status. The price
// fields are a snapshot taken at reservation time and never track later
// offer price changes.
type OfferBlock struct {
	ID            string     `db:"id" json:"id"`
	OfferID       string     `db:"offer_id" json:"offer_id"`
	ItemID        string     `db:"item_id" json:"item_id"`
	ProviderID    string     `db:"provider_id" json:"provider_id"`
	Status        string     `db:"status" json:"status"`
	QuantityKWh   float64    `db:"quantity_kwh" json:"quantity_kwh"`
	TransactionID *string    `db:"transaction_id" json:"transaction_id,omitempty"`
	OrderID       *string    `db:"order_id" json:"order_id,omitempty"`
	PriceValue    float64    `db:"price_value" json:"price_value"`
	PriceCurrency string     `db:"price_currency" json:"price_currency"`
	ReservedAt    *time.Time `db:"reserved_at" json:"reserved_at,omitempty"`
	SoldAt        *time.Time `db:"sold_at" json:"sold_at,omitempty"`
}

// Order is a buyer's aggregate purchase, created when a transaction reaches init
type Order struct {
	ID            string      `db:"id" json:"id"`
	TransactionID string      `db:"transaction_id" json:"transaction_id"`
	ProviderID    *string     `db:"provider_id" json:"provider_id,omitempty"`
	OfferID       *string     `db:"offer_id" json:"offer_id,omitempty"`
	Status        string      `db:"status" json:"status"`
	TotalQuantity float64     `db:"total_quantity" json:"total_quantity"`
	TotalPrice    float64     `db:"total_price" json:"total_price"`
	Currency      string      `db:"currency" json:"currency"`
	Items         []OrderItem `db:"-" json:"items"`
	Quote         *Quote      `db:"-" json:"quote,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// OrderItem is one purchased line of an order
type OrderItem struct {
	OfferID     string  `json:"offer_id"`
	QuantityKWh float64 `json:"quantity_kwh"`
	PriceValue  float64 `json:"price_value"`
	Currency    string  `json:"currency"`
}

// Quote is the provider's priced breakdown for a selection
type Quote struct {
	PriceValue float64      `json:"price_value"`
	Currency   string       `json:"currency"`
	Breakup    []QuoteBreak `json:"breakup,omitempty"`
}

// QuoteBreak is one line of a quote breakup
type QuoteBreak struct {
	Title      string  `json:"title"`
	PriceValue float64 `json:"price_value"`
}

// Event is an immutable record of one protocol message, keyed by
// (transaction_id, message_id, direction). Append and existence-check
// only; never updated.
type Event struct {
	TransactionID string    `db:"transaction_id" json:"transaction_id"`
	MessageID     string    `db:"message_id" json:"message_id"`
	Direction     string    `db:"direction" json:"direction"`
	Action        string    `db:"action" json:"action"`
	Payload       []byte    `db:"payload" json:"payload"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Block statuses
const (
	BlockStatusAvailable = "available"
	BlockStatusReserved  = "reserved"
	BlockStatusSold      = "sold"
	BlockStatusReleased  = "released"
)

// Order statuses
const (
	OrderStatusPending   = "PENDING"
	OrderStatusConfirmed = "CONFIRMED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusFailed    = "FAILED"
)

// Event directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Energy source types
const (
	SourceTypeSolar   = "solar"
	SourceTypeWind    = "wind"
	SourceTypeBattery = "battery"
	SourceTypeGrid    = "grid"
)
