package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConditionSnapshot is the dashboard-readable copy of one alert condition.
// Snapshots are written after every transition, so dashboard reads lag the
// live condition table by at most one evaluation cycle.
type ConditionSnapshot struct {
	LocationID       string    `json:"location_id"`
	Channel          string    `json:"channel"`
	State            string    `json:"state"`
	Probability      float64   `json:"probability"`
	RiskClass        string    `json:"risk_class"`
	FirstTriggeredAt time.Time `json:"first_triggered_at,omitempty"`
	LastSeenAt       time.Time `json:"last_seen_at,omitempty"`
	EscalationStage  int       `json:"escalation_stage"`
}

// SnapshotStore mirrors condition states into Redis.
type SnapshotStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSnapshotStore(redisClient *redis.Client, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{redis: redisClient, ttl: ttl}
}

func snapshotKey(locationID, channel string) string {
	return fmt.Sprintf("risk_condition:%s:%s", locationID, channel)
}

// Save writes one snapshot. The TTL auto-cleans stale entries if the
// engine dies without resolving a condition.
func (s *SnapshotStore) Save(ctx context.Context, snap *ConditionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := snapshotKey(snap.LocationID, snap.Channel)
	if err := s.redis.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot in Redis: %w", err)
	}

	return nil
}

// Delete removes a snapshot when its condition returns to Idle.
func (s *SnapshotStore) Delete(ctx context.Context, locationID, channel string) error {
	return s.redis.Del(ctx, snapshotKey(locationID, channel)).Err()
}

// List returns every live condition snapshot (for monitoring).
func (s *SnapshotStore) List(ctx context.Context) ([]*ConditionSnapshot, error) {
	keys, err := s.redis.Keys(ctx, "risk_condition:*").Result()
	if err != nil {
		return nil, err
	}

	snapshots := make([]*ConditionSnapshot, 0, len(keys))
	for _, key := range keys {
		data, err := s.redis.Get(ctx, key).Result()
		if err != nil {
			continue
		}

		var snap ConditionSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			continue
		}

		snapshots = append(snapshots, &snap)
	}

	return snapshots, nil
}
