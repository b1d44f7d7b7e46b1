package models

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Direction tells whether an alert waits for the price to rise or to fall to its target
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// ErrInvalidPrice is returned when a target or observed price is not positive
var ErrInvalidPrice = errors.New("price must be positive")

// DirectionFor infers the direction of an alert from the price observed when it is created.
// A target equal to the current price resolves to below.
func DirectionFor(current, target float64) Direction {
	if target > current {
		return DirectionAbove
	}
	return DirectionBelow
}

// Alert represents a one-shot price alert on a single coin
type Alert struct {
	ID          string    `json:"id"`
	CoinID      string    `json:"coin_id"`
	TargetPrice float64   `json:"target_price"`
	Direction   Direction `json:"direction"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewAlert creates an alert whose direction is fixed by the current price
func NewAlert(coinID string, target, current float64) (Alert, error) {
	if target <= 0 || current <= 0 {
		return Alert{}, ErrInvalidPrice
	}
	return Alert{
		ID:          uuid.New().String(),
		CoinID:      coinID,
		TargetPrice: target,
		Direction:   DirectionFor(current, target),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Triggered reports whether price has reached the target. Both bounds are inclusive.
func (a Alert) Triggered(price float64) bool {
	switch a.Direction {
	case DirectionAbove:
		return price >= a.TargetPrice
	case DirectionBelow:
		return price <= a.TargetPrice
	}
	return false
}

// User is the persisted document of one chat user
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	Favorites   []string  `json:"favorites"`
	Alerts      []Alert   `json:"alerts"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasFavorite reports whether coinID is on the user's watch-list
func (u *User) HasFavorite(coinID string) bool {
	return slices.Contains(u.Favorites, coinID)
}

// HasActiveAlerts reports whether the user has at least one pending alert
func (u *User) HasActiveAlerts() bool {
	return len(u.Alerts) > 0
}

// PriceSnapshot maps coin identifiers to USD prices from a single fetch.
// A missing entry means no data, not zero.
type PriceSnapshot map[string]float64

// Price returns the price of coinID and whether the snapshot has one
func (s PriceSnapshot) Price(coinID string) (float64, bool) {
	p, ok := s[coinID]
	return p, ok
}

// AlertEvent is published whenever an alert fires
type AlertEvent struct {
	UserID      string    `json:"user_id"`
	AlertID     string    `json:"alert_id"`
	CoinID      string    `json:"coin_id"`
	TargetPrice float64   `json:"target_price"`
	Price       float64   `json:"price"`
	Direction   Direction `json:"direction"`
	Timestamp   time.Time `json:"timestamp"`
}
