package domain

import (
	"context"
	"time"
)

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
	StatusForwarded = "forwarded"
	StatusDropped   = "dropped"
)

// DeliveryRecord is the terminal outcome of one outbound send or one inbound
// relay. Individual retry attempts are not recorded.
type DeliveryRecord struct {
	ID        string    `json:"id"`
	Direction Direction `json:"direction"`
	Contact   string    `json:"contact"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// DeliveryLog persists delivery outcomes.
type DeliveryLog interface {
	Record(ctx context.Context, rec DeliveryRecord) error
	Recent(ctx context.Context, limit int) ([]DeliveryRecord, error)
}
