package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a business event. The string values are part of the
// outbound wire contract and must never change.
type EventType string

const (
	EventOrderCreated      EventType = "order.created"
	EventOrderPaid         EventType = "order.paid"
	EventOrderRefunded     EventType = "order.refunded"
	EventWalletTopup       EventType = "wallet.topup"
	EventWalletPayment     EventType = "wallet.payment"
	EventTicketScanned     EventType = "ticket.scanned"
	EventTicketTransferred EventType = "ticket.transferred"
	EventInventoryLowStock EventType = "inventory.low_stock"
)

// EventTypes returns the full catalog in a stable order.
func EventTypes() []EventType {
	return []EventType{
		EventOrderCreated,
		EventOrderPaid,
		EventOrderRefunded,
		EventWalletTopup,
		EventWalletPayment,
		EventTicketScanned,
		EventTicketTransferred,
		EventInventoryLowStock,
	}
}

func (t EventType) Valid() bool {
	switch t {
	case EventOrderCreated, EventOrderPaid, EventOrderRefunded,
		EventWalletTopup, EventWalletPayment,
		EventTicketScanned, EventTicketTransferred,
		EventInventoryLowStock:
		return true
	}
	return false
}

// Category returns the group prefix, e.g. "order" for "order.paid".
func (t EventType) Category() string {
	if i := strings.IndexByte(string(t), '.'); i > 0 {
		return string(t)[:i]
	}
	return string(t)
}

func (t EventType) String() string { return string(t) }

// Event is an immutable description of a business fact. Domain services
// construct one at the moment something happens and hand it to the
// dispatcher; it is never persisted itself, only the deliveries derived
// from it are.
type Event struct {
	ID         uuid.UUID
	Type       EventType
	TenantID   uuid.UUID
	OccurredAt time.Time
	Data       map[string]any
}

// NewEvent builds an event stamped with a fresh ID and the current time.
func NewEvent(t EventType, tenantID uuid.UUID, data map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

type wirePayload struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	Timestamp  string         `json:"timestamp"`
	APIVersion string         `json:"api_version"`
	Data       map[string]any `json:"data"`
}

// Payload serializes the event into the stable wire shape sent to
// subscribers. The shape is versioned with a single api_version tag.
func (e Event) Payload(apiVersion string) ([]byte, error) {
	if !e.Type.Valid() {
		return nil, fmt.Errorf("serialize event: unknown event type %q", e.Type)
	}
	b, err := json.Marshal(wirePayload{
		ID:         e.ID.String(),
		Type:       string(e.Type),
		TenantID:   e.TenantID.String(),
		Timestamp:  e.OccurredAt.UTC().Format(time.RFC3339),
		APIVersion: apiVersion,
		Data:       e.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("serialize event: %w", err)
	}
	return b, nil
}
