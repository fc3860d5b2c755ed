package sweep

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/filaflow/queue-engine/internal/notify"
	"github.com/filaflow/queue-engine/pkg/geo"
)

// NotifyNearby reacts to an explicit location update: it finds open
// queues within the proximity threshold whose service matches the
// filter and emits one notification per matching branch. Suppression
// is keyed by (user, branch, queue, rounded location) with the
// configured window, so a user wandering around a branch is not
// re-notified every fix.
func (s *Sweeper) NotifyNearby(ctx context.Context, userID string, lat, lon float64, serviceFilter string, now time.Time) []Event {
	type match struct {
		queueIDs []string
		keys     []string
	}
	matches := make(map[string]*match) // branch id -> matching queues

	rLat := geo.RoundCoord(lat)
	rLon := geo.RoundCoord(lon)

	for _, queueID := range s.store.QueueIDs() {
		snap, err := s.store.Snapshot(queueID)
		if err != nil {
			s.recordError(ctx, "failed to snapshot queue %s: %v", queueID, err)
			continue
		}

		if !s.resolver.IsOpen(ctx, &snap.Queue, now) {
			continue
		}
		if serviceFilter != "" &&
			!strings.Contains(strings.ToLower(snap.Queue.ServiceName), strings.ToLower(serviceFilter)) {
			continue
		}

		branch, ok := s.store.Branch(snap.Queue.BranchID)
		if !ok {
			continue
		}
		if geo.DistanceKm(lat, lon, branch.Latitude, branch.Longitude) > s.cfg.ProximityThresholdKm {
			continue
		}

		m := matches[branch.ID]
		if m == nil {
			m = &match{}
			matches[branch.ID] = m
		}
		m.queueIDs = append(m.queueIDs, queueID)
		m.keys = append(m.keys,
			fmt.Sprintf("proximity:%s:%s:%s:%.3f:%.3f", userID, branch.ID, queueID, rLat, rLon))
	}

	var events []Event
	for branchID, m := range matches {
		fresh := false
		for _, key := range m.keys {
			seen, err := s.cache.Seen(ctx, key)
			if err != nil {
				s.recordError(ctx, "dedup cache lookup failed for %s: %v", key, err)
				continue
			}
			if !seen {
				fresh = true
			}
		}
		if !fresh {
			continue
		}

		branch, _ := s.store.Branch(branchID)
		if err := s.notifier.Notify(ctx, notify.Notification{
			Kind:     notify.KindProximity,
			UserID:   userID,
			BranchID: branchID,
			Message:  fmt.Sprintf("%s nearby has %d open queue(s) matching your preferences", branch.Name, len(m.queueIDs)),
			At:       now,
		}); err != nil {
			s.recordError(ctx, "failed to send proximity notification branch=%s: %v", branchID, err)
			continue
		}

		for _, key := range m.keys {
			if err := s.cache.MarkSeen(ctx, key, s.cfg.ProximitySuppression); err != nil {
				s.recordError(ctx, "failed to mark notification %s: %v", key, err)
			}
		}

		events = append(events, Event{
			Kind:     EventProximityNotified,
			BranchID: branchID,
			UserID:   userID,
			At:       now,
		})
	}

	return events
}
