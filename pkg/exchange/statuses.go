package exchange

import "strings"

// Per-venue raw status vocabularies mapped onto the published state machine.
// Unknown raw statuses map to FAILED with ok=false so callers can flag an
// unmapped terminal state instead of guessing.

var binanceStatuses = map[string]OrderStatus{
	"NEW":              StatusNew, // acked; the book placement arrives as a later event
	"PARTIALLY_FILLED": StatusPartially,
	"FILLED":           StatusFilled,
	"CANCELED":         StatusCancelled,
	"EXPIRED":          StatusCancelled,
	"REJECTED":         StatusFailed,
}

var bybitStatuses = map[string]OrderStatus{
	"CREATED":         StatusNew,
	"NEW":             StatusNew,
	"PARTIALLYFILLED": StatusPartially,
	"FILLED":          StatusFilled,
	"CANCELLED":       StatusCancelled,
	"DEACTIVATED":     StatusCancelled,
	"REJECTED":        StatusFailed,
}

var upbitStatuses = map[string]OrderStatus{
	"WAIT":   StatusOpen,
	"WATCH":  StatusOpen, // stop order waiting for trigger
	"DONE":   StatusFilled,
	"CANCEL": StatusCancelled,
}

var bithumbStatuses = map[string]OrderStatus{
	"BID":       StatusOpen,
	"ASK":       StatusOpen,
	"PLACED":    StatusOpen,
	"PENDING":   StatusOpen,
	"FILL":      StatusFilled,
	"COMPLETED": StatusFilled,
	"CANCEL":    StatusCancelled,
	"CANCELLED": StatusCancelled,
}

// NormalizeStatus maps a venue's raw order status onto the shared vocabulary.
// ok is false when the raw status is not in the venue's table.
func NormalizeStatus(ex Name, raw string) (OrderStatus, bool) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	var table map[string]OrderStatus
	switch ex {
	case Binance:
		table = binanceStatuses
	case Bybit:
		table = bybitStatuses
	case Upbit:
		table = upbitStatuses
	case Bithumb:
		table = bithumbStatuses
	case Mock:
		s := OrderStatus(key)
		if s.Rank() >= 0 {
			return s, true
		}
		return StatusFailed, false
	}
	if s, found := table[key]; found {
		return s, true
	}
	return StatusFailed, false
}
