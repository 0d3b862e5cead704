// Package compaction keeps per-room change history bounded.
package compaction

import (
	"context"
	"log/slog"
	"time"
)

const defaultPageSize = 500

// History is the slice of the database the compactor needs.
type History interface {
	ListRoomIDs(ctx context.Context, after string, limit int) ([]string, error)
	GetChangeCount(ctx context.Context, roomID string) (int, error)
	PruneChanges(ctx context.Context, roomID string, keepCount int) (int64, error)
}

type Config struct {
	Interval   time.Duration
	Threshold  int
	KeepRecent int
}

func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Minute,
		Threshold:  200,
		KeepRecent: 50,
	}
}

type Service struct {
	history  History
	config   Config
	pageSize int
}

func New(history History, config Config) *Service {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.KeepRecent <= 0 || config.KeepRecent > config.Threshold {
		config.KeepRecent = min(def.KeepRecent, config.Threshold)
	}
	return &Service{history: history, config: config, pageSize: defaultPageSize}
}

// Run compacts once immediately and then on every tick until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	slog.Info("compaction service started",
		"interval", s.config.Interval,
		"threshold", s.config.Threshold,
		"keep_recent", s.config.KeepRecent,
	)
	defer slog.Info("compaction service stopped")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.compactAllRooms(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.compactAllRooms(ctx)
		}
	}
}

// compactAllRooms walks every room by ID, so rooms updated during the pass
// are neither skipped nor visited twice.
func (s *Service) compactAllRooms(ctx context.Context) {
	compacted := 0
	after := ""
	for {
		ids, err := s.history.ListRoomIDs(ctx, after, s.pageSize)
		if err != nil {
			slog.Warn("compaction: failed to list rooms", "error", err)
			return
		}

		for _, id := range ids {
			if ctx.Err() != nil {
				return
			}
			if !s.shouldCompact(ctx, id) {
				continue
			}
			if _, err := s.CompactNow(ctx, id); err != nil {
				slog.Warn("compaction failed", "room_id", id, "error", err)
				continue
			}
			compacted++
		}

		if len(ids) < s.pageSize {
			break
		}
		after = ids[len(ids)-1]
	}

	if compacted > 0 {
		slog.Info("compacted room histories", "rooms", compacted)
	}
}

// shouldCompact reports whether the room's history exceeds the threshold.
func (s *Service) shouldCompact(ctx context.Context, roomID string) bool {
	count, err := s.history.GetChangeCount(ctx, roomID)
	if err != nil {
		return false
	}
	return count > s.config.Threshold
}

// CompactNow prunes roomID's history down to the most recent KeepRecent
// changes and returns how many rows were removed.
func (s *Service) CompactNow(ctx context.Context, roomID string) (int64, error) {
	removed, err := s.history.PruneChanges(ctx, roomID, s.config.KeepRecent)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("compacted room history", "room_id", roomID, "removed", removed, "kept", s.config.KeepRecent)
	}
	return removed, nil
}
