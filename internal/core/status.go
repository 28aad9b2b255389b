package core

// orderTransitions is the fixed status graph. Any non-terminal status may be
// cancelled; nothing leaves DELIVERED or CANCELLED.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderConfirmed, OrderCancelled},
	OrderConfirmed:  {OrderAccepted, OrderCancelled},
	OrderAccepted:   {OrderDispatched, OrderCancelled},
	OrderDispatched: {OrderDelivered, OrderCancelled},
	OrderDelivered:  {},
	OrderCancelled:  {},
}

// CanTransition reports whether from → to is a legal order status move.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func Terminal(s OrderStatus) bool {
	return len(orderTransitions[s]) == 0
}
