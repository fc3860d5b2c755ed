package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/filaflow/queue-engine/internal/domain"
	apperrors "github.com/filaflow/queue-engine/internal/errors"
	"github.com/filaflow/queue-engine/pkg/geo"
)

// qrClaims is the payload of a ticket's QR token.
type qrClaims struct {
	TicketID string `json:"ticket_id"`
	QueueID  string `json:"queue_id"`
	jwt.RegisteredClaims
}

// ValidatePresence completes a Called ticket from its QR code. When a
// location is supplied, the holder must be within the proximity
// threshold of the queue's branch.
func (e *Engine) ValidatePresence(ctx context.Context, qrCode string, lat, lon *float64) (domain.Ticket, error) {
	claims, err := e.parseQRToken(qrCode)
	if err != nil {
		return domain.Ticket{}, err
	}

	if lat != nil && lon != nil {
		if err := e.checkProximity(claims.QueueID, *lat, *lon); err != nil {
			return domain.Ticket{}, err
		}
	}

	return e.attend(ctx, claims.TicketID)
}

func (e *Engine) checkProximity(queueID string, lat, lon float64) error {
	snap, err := e.store.Snapshot(queueID)
	if err != nil {
		return err
	}

	branch, ok := e.store.Branch(snap.Queue.BranchID)
	if !ok {
		// No branch coordinates registered; presence cannot be
		// disproved, so the location check passes.
		return nil
	}

	if geo.DistanceKm(lat, lon, branch.Latitude, branch.Longitude) > e.cfg.ProximityThresholdKm {
		return apperrors.ErrTooFarAway
	}

	return nil
}

func (e *Engine) signQRToken(ticketID, queueID string, issuedAt time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, qrClaims{
		TicketID: ticketID,
		QueueID:  queueID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(24 * time.Hour)),
		},
	})

	signed, err := token.SignedString(e.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

func (e *Engine) parseQRToken(qrCode string) (*qrClaims, error) {
	token, err := jwt.ParseWithClaims(qrCode, &qrClaims{}, func(token *jwt.Token) (any, error) {
		return e.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(e.now))
	if err != nil || !token.Valid {
		return nil, apperrors.ErrInvalidQRCode
	}

	claims, ok := token.Claims.(*qrClaims)
	if !ok || claims.TicketID == "" {
		return nil, apperrors.ErrInvalidQRCode
	}

	return claims, nil
}
