package kafka

import "time"

// Domain events published by the dispatch engine. External consumers
// (socket gateway, push service, audit log) forward them unchanged.

type TicketIssuedEvent struct {
	QueueID       string    `json:"queue_id"`
	TicketID      string    `json:"ticket_id"`
	UserID        string    `json:"user_id"`
	DisplayNumber string    `json:"display_number"`
	Priority      int       `json:"priority"`
	IssuedAt      time.Time `json:"issued_at"`
	Timestamp     time.Time `json:"timestamp"`
}

type TicketCalledEvent struct {
	QueueID       string    `json:"queue_id"`
	TicketID      string    `json:"ticket_id"`
	UserID        string    `json:"user_id"`
	DisplayNumber string    `json:"display_number"`
	Counter       int       `json:"counter"`
	Recall        bool      `json:"recall,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	Timestamp     time.Time `json:"timestamp"`
}

type TicketAttendedEvent struct {
	QueueID        string    `json:"queue_id"`
	TicketID       string    `json:"ticket_id"`
	UserID         string    `json:"user_id"`
	DisplayNumber  string    `json:"display_number"`
	Counter        int       `json:"counter"`
	ServiceTimeMin float64   `json:"service_time_min"`
	AttendedAt     time.Time `json:"attended_at"`
	Timestamp      time.Time `json:"timestamp"`
}

type TicketCancelledEvent struct {
	QueueID       string    `json:"queue_id"`
	TicketID      string    `json:"ticket_id"`
	UserID        string    `json:"user_id"`
	DisplayNumber string    `json:"display_number"`
	Reason        string    `json:"reason"` // user_cancelled, call_timeout, schedule_closed
	Timestamp     time.Time `json:"timestamp"`
}

type TicketTradedEvent struct {
	QueueID           string    `json:"queue_id"`
	FromTicketID      string    `json:"from_ticket_id"`
	ToTicketID        string    `json:"to_ticket_id"`
	FromDisplayNumber string    `json:"from_display_number"`
	ToDisplayNumber   string    `json:"to_display_number"`
	Timestamp         time.Time `json:"timestamp"`
}

// Cancellation reasons carried on TicketCancelledEvent.
const (
	ReasonUserCancelled  = "user_cancelled"
	ReasonCallTimeout    = "call_timeout"
	ReasonScheduleClosed = "schedule_closed"
)
