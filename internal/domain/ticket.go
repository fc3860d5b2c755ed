package domain

import (
	"fmt"
	"time"
)

// WalkInUserID is the sentinel owner for tickets issued at a physical
// kiosk without an account. The one-pending-ticket-per-user rule does
// not apply to it.
const WalkInUserID = "walk-in"

type TicketStatus string

const (
	TicketStatusPending   TicketStatus = "pending"
	TicketStatusCalled    TicketStatus = "called"
	TicketStatusAttended  TicketStatus = "attended"
	TicketStatusCancelled TicketStatus = "cancelled"
)

type Ticket struct {
	ID             string       `json:"id"`
	QueueID        string       `json:"queue_id"`
	UserID         string       `json:"user_id"`
	Number         int          `json:"number"`
	Priority       int          `json:"priority"`
	Status         TicketStatus `json:"status"`
	Counter        int          `json:"counter,omitempty"`
	IssuedAt       time.Time    `json:"issued_at"`
	CalledAt       *time.Time   `json:"called_at,omitempty"`
	AttendedAt     *time.Time   `json:"attended_at,omitempty"`
	CancelledAt    *time.Time   `json:"cancelled_at,omitempty"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
	QRCode         string       `json:"qr_code"`
	IsPhysical     bool         `json:"is_physical"`
	TradeAvailable bool         `json:"trade_available"`
	ServiceTimeMin float64      `json:"service_time_min,omitempty"`
}

func (t *Ticket) IsTerminal() bool {
	return t.Status == TicketStatusAttended || t.Status == TicketStatusCancelled
}

func (t *Ticket) IsActive() bool {
	return t.Status == TicketStatusPending || t.Status == TicketStatusCalled
}

// CallExpired reports whether a Called ticket has outlived its call
// window. Only the sweep acts on this.
func (t *Ticket) CallExpired(now time.Time) bool {
	return t.Status == TicketStatusCalled && t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// DisplayNumber renders the human-readable ticket number, e.g. "A12".
func (t *Ticket) DisplayNumber(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, t.Number)
}
