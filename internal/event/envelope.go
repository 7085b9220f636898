// Package event defines the records the engine emits for every committed
// operation.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeProtocolInitialized
	EventTypePriceSet
	EventTypeCollateralDeposited
	EventTypeCollateralWithdrawn
	EventTypePositionOpened
	EventTypePositionClosed
	EventTypePositionLiquidated
	EventTypeFundingApplied
	EventTypeFundingAccrued
	EventTypePauseChanged
	EventTypeRiskParamsUpdated
)

var eventTypeNames = map[EventType]string{
	EventTypeProtocolInitialized: "ProtocolInitialized",
	EventTypePriceSet:            "PriceSet",
	EventTypeCollateralDeposited: "CollateralDeposited",
	EventTypeCollateralWithdrawn: "CollateralWithdrawn",
	EventTypePositionOpened:      "PositionOpened",
	EventTypePositionClosed:      "PositionClosed",
	EventTypePositionLiquidated:  "PositionLiquidated",
	EventTypeFundingApplied:      "FundingApplied",
	EventTypeFundingAccrued:      "FundingAccrued",
	EventTypePauseChanged:        "PauseChanged",
	EventTypeRiskParamsUpdated:   "RiskParamsUpdated",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, error) {
	for et, name := range eventTypeNames {
		if name == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}

func (et EventType) MarshalText() ([]byte, error) {
	return []byte(et.String()), nil
}

func (et *EventType) UnmarshalText(b []byte) error {
	v, err := ParseEventType(string(b))
	if err != nil {
		return err
	}
	*et = v
	return nil
}

// EventEnvelope wraps every committed operation in the log
type EventEnvelope struct {
	// Monotonic sequence assigned by the engine
	Sequence int64 `json:"sequence"`

	// Caller-supplied request key, empty if none
	RequestKey string `json:"request_key,omitempty"`

	EventType EventType `json:"event_type"`

	// Owner the event concerns, uuid.Nil for protocol-wide events
	Owner uuid.UUID `json:"owner"`

	// Engine clock at commit
	Timestamp time.Time `json:"timestamp"`

	// JSON-encoded event payload
	Payload json.RawMessage `json:"payload"`

	// SHA-256 chain over committed record bytes
	StateHash [32]byte `json:"state_hash"`
	PrevHash  [32]byte `json:"prev_hash"`

	// Decoded payload, not serialized
	Event Event `json:"-"`
}

// Event is the interface all event payloads implement
type Event interface {
	EventType() EventType

	// Owner returns the account the event concerns, uuid.Nil if global
	Owner() uuid.UUID
}

// Decode turns a stored payload back into its typed event.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeProtocolInitialized:
		evt = &ProtocolInitialized{}
	case EventTypePriceSet:
		evt = &PriceSet{}
	case EventTypeCollateralDeposited:
		evt = &CollateralDeposited{}
	case EventTypeCollateralWithdrawn:
		evt = &CollateralWithdrawn{}
	case EventTypePositionOpened:
		evt = &PositionOpened{}
	case EventTypePositionClosed:
		evt = &PositionClosed{}
	case EventTypePositionLiquidated:
		evt = &PositionLiquidated{}
	case EventTypeFundingApplied:
		evt = &FundingApplied{}
	case EventTypeFundingAccrued:
		evt = &FundingAccrued{}
	case EventTypePauseChanged:
		evt = &PauseChanged{}
	case EventTypeRiskParamsUpdated:
		evt = &RiskParamsUpdated{}
	default:
		return nil, fmt.Errorf("decode: unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
