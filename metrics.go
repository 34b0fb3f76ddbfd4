package main

import (
	"context"
	"log/slog"
	"time"

	"voicesfu/internal/room"
)

// runMetrics logs room/peer/producer counts every interval until ctx is
// canceled. Quiet when nothing is happening, same as the reference ticker.
func runMetrics(ctx context.Context, rooms *room.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc, peers, producers := rooms.Stats()
			if rc > 0 || peers > 0 {
				slog.Info("room stats", "rooms", rc, "peers", peers, "producers", producers)
			}
		}
	}
}
