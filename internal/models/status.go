package models

import (
	"fmt"
	"strings"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
	StatusError     Status = "error"
)

// rank orders the forward states. Error sits outside the order.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	default:
		return -1
	}
}

// ParseStatus normalizes a wire status. An empty status means sent, since
// anything the server returns has at least been accepted.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return StatusSent, nil
	case StatusPending:
		return StatusPending, nil
	case StatusSent:
		return StatusSent, nil
	case StatusDelivered:
		return StatusDelivered, nil
	case StatusSeen, "read":
		return StatusSeen, nil
	case StatusError, "failed":
		return StatusError, nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

// Advance returns the status after applying next on top of s.
// Forward moves win; backward moves are ignored. Error is reachable only
// from pending and is absorbing until an explicit retry.
func (s Status) Advance(next Status) (Status, bool) {
	if next == s {
		return s, false
	}
	if s == StatusError {
		return s, false
	}
	if next == StatusError {
		if s == StatusPending {
			return StatusError, true
		}
		return s, false
	}
	if next.rank() > s.rank() {
		return next, true
	}
	return s, false
}

// AtLeast reports whether s has reached other in the forward order.
func (s Status) AtLeast(other Status) bool {
	if s == StatusError || other == StatusError {
		return s == other
	}
	return s.rank() >= other.rank()
}
