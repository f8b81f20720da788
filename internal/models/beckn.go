package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Beckn protocol actions
const (
	ActionDiscover = "search"
	ActionSelect   = "select"
	ActionInit     = "init"
	ActionConfirm  = "confirm"
	ActionStatus   = "status"
	ActionCancel   = "cancel"

	ActionOnDiscover = "on_search"
	ActionOnSelect   = "on_select"
	ActionOnInit     = "on_init"
	ActionOnConfirm  = "on_confirm"
	ActionOnStatus   = "on_status"
	ActionOnCancel   = "on_cancel"
)

// BecknContext is the correlation envelope every protocol message carries
type BecknContext struct {
	Domain        string `json:"domain"`
	Action        string `json:"action"`
	TransactionID string `json:"transaction_id"`
	MessageID     string `json:"message_id"`
	BapID         string `json:"bap_id,omitempty"`
	BapURI        string `json:"bap_uri,omitempty"`
	BppID         string `json:"bpp_id,omitempty"`
	BppURI        string `json:"bpp_uri,omitempty"`
	TTL           string `json:"ttl,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// CallbackMessage is a parsed on_* delivery from a BPP
type CallbackMessage struct {
	Context BecknContext    `json:"context"`
	Message CallbackPayload `json:"message"`
	Error   *BecknError     `json:"error,omitempty"`
}

// CallbackPayload carries the action-specific body of a callback.
// Only the field matching the action is populated.
type CallbackPayload struct {
	Catalog *DiscoverResult `json:"catalog,omitempty"`
	Order   *OrderSnapshot  `json:"order,omitempty"`
}

// BecknError is a provider-reported protocol error
type BecknError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DiscoverResult is the catalog slice returned by on_search
type DiscoverResult struct {
	Providers []DiscoveredProvider `json:"providers"`
}

// DiscoveredProvider is one provider's catalog in a discover result
type DiscoveredProvider struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Items  []DiscoveredItem  `json:"items"`
	Offers []DiscoveredOffer `json:"offers"`
}

// DiscoveredItem mirrors CatalogItem on the wire
type DiscoveredItem struct {
	ID                string             `json:"id"`
	SourceType        string             `json:"source_type"`
	DeliveryMode      string             `json:"delivery_mode"`
	TotalQuantityKWh  float64            `json:"total_quantity_kwh"`
	MeterID           string             `json:"meter_id,omitempty"`
	ProductionWindows []ProductionWindow `json:"production_windows,omitempty"`
}

// DiscoveredOffer mirrors CatalogOffer on the wire
type DiscoveredOffer struct {
	ID             string    `json:"id"`
	ItemID         string    `json:"item_id"`
	PriceValue     float64   `json:"price_value"`
	PriceCurrency  string    `json:"price_currency"`
	MaxQuantityKWh float64   `json:"max_quantity_kwh"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	PricingModel   string    `json:"pricing_model,omitempty"`
	SettlementType string    `json:"settlement_type,omitempty"`
}

// OrderSnapshot is the order view a BPP returns on select/init/confirm/status
type OrderSnapshot struct {
	ProviderID string         `json:"provider_id,omitempty"`
	Items      []SelectedItem `json:"items"`
	Quote      *Quote         `json:"quote,omitempty"`
	Status     string         `json:"status,omitempty"`
}

// SelectedItem is one offer line of a selection
type SelectedItem struct {
	OfferID     string  `json:"offer_id"`
	QuantityKWh float64 `json:"quantity_kwh"`
}

// ParseTTL parses the ISO-8601 duration subset Beckn contexts use
// (PT«n»H, PT«n»M, PT«n»S and combinations). Returns an error for
// anything it cannot understand rather than guessing.
func ParseTTL(ttl string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(ttl))
	if !strings.HasPrefix(s, "PT") || len(s) < 4 {
		return 0, fmt.Errorf("unsupported ttl format: %q", ttl)
	}
	s = s[2:]

	var total time.Duration
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9' || r == '.':
			num += string(r)
		case r == 'H' || r == 'M' || r == 'S':
			if num == "" {
				return 0, fmt.Errorf("unsupported ttl format: %q", ttl)
			}
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("unsupported ttl format: %q", ttl)
			}
			switch r {
			case 'H':
				total += time.Duration(v * float64(time.Hour))
			case 'M':
				total += time.Duration(v * float64(time.Minute))
			case 'S':
				total += time.Duration(v * float64(time.Second))
			}
			num = ""
		default:
			return 0, fmt.Errorf("unsupported ttl format: %q", ttl)
		}
	}
	if num != "" {
		return 0, fmt.Errorf("unsupported ttl format: %q", ttl)
	}
	return total, nil
}

// FormatTTL renders a duration in the ISO-8601 form used on the wire
func FormatTTL(d time.Duration) string {
	return fmt.Sprintf("PT%dS", int(d.Seconds()))
}
