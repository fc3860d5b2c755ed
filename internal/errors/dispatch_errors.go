package errors

import "errors"

var (
	ErrQueueClosed           = errors.New("queue is closed")
	ErrQueueFull             = errors.New("queue has reached its daily limit")
	ErrQueueEmpty            = errors.New("no pending tickets in queue")
	ErrDuplicateActiveTicket = errors.New("user already holds a pending ticket on this queue")
	ErrNotOwner              = errors.New("ticket is not owned by the requesting user")
	ErrInvalidState          = errors.New("ticket is not in a valid state for this operation")
	ErrNotOfferable          = errors.New("ticket is not offered for trade")
	ErrTicketNotFound        = errors.New("ticket not found")
	ErrQueueNotFound         = errors.New("queue not found")
	ErrInvalidQRCode         = errors.New("invalid or expired qr code")
	ErrTooFarAway            = errors.New("user location is outside the presence radius")
)
