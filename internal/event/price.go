package event

import "github.com/google/uuid"

// PriceSet is a new oracle sample.
type PriceSet struct {
	Price     uint64 `json:"price"` // price scale
	Timestamp int64  `json:"timestamp"`
}

func (p *PriceSet) EventType() EventType {
	return EventTypePriceSet
}

func (p *PriceSet) Owner() uuid.UUID {
	return uuid.Nil // Global event
}
