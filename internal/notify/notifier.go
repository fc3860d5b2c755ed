package notify

import (
	"context"
	"time"

	"github.com/filaflow/queue-engine/pkg/logger"
)

// Kind classifies user-facing notifications. Delivery (push, socket,
// SMS) is handled by external transports behind the Notifier interface.
type Kind string

const (
	KindCalled     Kind = "called"
	KindPrepare    Kind = "prepare"
	KindCancelled  Kind = "cancelled"
	KindTradeOffer Kind = "trade_offer"
	KindProximity  Kind = "proximity"
)

type Notification struct {
	Kind          Kind      `json:"kind"`
	UserID        string    `json:"user_id"`
	QueueID       string    `json:"queue_id,omitempty"`
	BranchID      string    `json:"branch_id,omitempty"`
	TicketID      string    `json:"ticket_id,omitempty"`
	DisplayNumber string    `json:"display_number,omitempty"`
	Message       string    `json:"message"`
	At            time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier is the default sink when no push transport is wired.
type LogNotifier struct {
	l logger.Logger
}

func NewLogNotifier(l logger.Logger) *LogNotifier {
	return &LogNotifier{l: l}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Notification) error {
	n.l.Infof(ctx, "notification kind=%s user=%s queue=%s ticket=%s: %s",
		msg.Kind, msg.UserID, msg.QueueID, msg.TicketID, msg.Message)
	return nil
}
