package model

import "fmt"

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell:
		return true
	}
	return false
}

// Opposite returns the contra side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide converts a wire string into a Side.
func ParseSide(v string) (Side, error) {
	s := Side(v)
	if !s.Valid() {
		return "", fmt.Errorf("model: unknown side %q", v)
	}
	return s, nil
}

// OrderType distinguishes priced from unpriced orders.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case TypeMarket, TypeLimit:
		return true
	}
	return false
}

// ParseOrderType converts a wire string into an OrderType.
func ParseOrderType(v string) (OrderType, error) {
	t := OrderType(v)
	if !t.Valid() {
		return "", fmt.Errorf("model: unknown order type %q", v)
	}
	return t, nil
}

// OrderStatus is the lifecycle state of an order.
//
//	OPEN -> PARTIAL -> FILLED
//	OPEN|PARTIAL -> CANCELLED
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusPartial, StatusFilled, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled:
		return true
	case StatusOpen, StatusPartial:
		return false
	}
	panic(fmt.Sprintf("model: unknown order status %q", string(s)))
}

// ParseOrderStatus converts a wire string into an OrderStatus.
func ParseOrderStatus(v string) (OrderStatus, error) {
	s := OrderStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("model: unknown order status %q", v)
	}
	return s, nil
}
