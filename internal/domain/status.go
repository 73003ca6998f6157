package domain

import (
	"errors"
	"fmt"
	"strings"
)

// OrderStatus тип статуса заказа
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusDelivering OrderStatus = "delivering"
	OrderStatusDone       OrderStatus = "done"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

var ErrInvalidStatus = errors.New("invalid order status")

// OrderStatuses lists every status in lifecycle order. All of them are
// selectable by an operator at any time.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusDelivering,
	OrderStatusDone,
	OrderStatusCancelled,
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusDelivering, OrderStatusDone, OrderStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status ends the lifecycle. Terminal orders can
// still be moved by an operator.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDone || s == OrderStatusCancelled
}

// CountsTowardRevenue reports whether orders in this status enter monetary
// rollups. Only done orders do.
func (s OrderStatus) CountsTowardRevenue() bool {
	return s == OrderStatusDone
}

// ParseOrderStatus accepts a status name in any case.
func ParseOrderStatus(v string) (OrderStatus, error) {
	s := OrderStatus(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}

// CanTransition has no workflow guard: any valid status may follow any valid
// status, backward moves such as done -> pending included.
func CanTransition(from, to OrderStatus) bool {
	return from.Valid() && to.Valid()
}
