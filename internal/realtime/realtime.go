// Package realtime publishes organization and user events to subscribers.
// The socket transport lives elsewhere and consumes the Redis channels.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	EventMemberJoined         = "member.joined"
	EventMemberRoleChanged    = "member.role_changed"
	EventMemberRemoved        = "member.removed"
	EventOwnershipTransferred = "organization.ownership_transferred"
	EventOrganizationDeleted  = "organization.deleted"
)

// Event is the JSON envelope published on a channel.
type Event struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Broadcaster fans events out to an organization room or a single user.
// Publishing is best effort.
type Broadcaster interface {
	PublishToOrganization(ctx context.Context, orgID, eventType string, payload map[string]any) error
	PublishToUser(ctx context.Context, userID, eventType string, payload map[string]any) error
}

// OrganizationChannel returns the pub/sub channel for an organization room.
func OrganizationChannel(orgID string) string { return "org:" + orgID }

// UserChannel returns the pub/sub channel for a single user.
func UserChannel(userID string) string { return "user:" + userID }

// Redis publishes events over Redis pub/sub.
type Redis struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewRedis creates a broadcaster publishing through rdb.
func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb, now: time.Now}
}

func (r *Redis) PublishToOrganization(ctx context.Context, orgID, eventType string, payload map[string]any) error {
	return r.publish(ctx, OrganizationChannel(orgID), eventType, payload)
}

func (r *Redis) PublishToUser(ctx context.Context, userID, eventType string, payload map[string]any) error {
	return r.publish(ctx, UserChannel(userID), eventType, payload)
}

func (r *Redis) publish(ctx context.Context, channel, eventType string, payload map[string]any) error {
	body, err := json.Marshal(Event{Type: eventType, Payload: payload, Timestamp: r.now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", eventType, err)
	}
	if err := r.rdb.Publish(ctx, channel, body).Err(); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", eventType, channel, err)
	}
	return nil
}

// Nop discards every event. It is used when Redis is not configured.
type Nop struct{}

func (Nop) PublishToOrganization(ctx context.Context, orgID, eventType string, _ map[string]any) error {
	slog.DebugContext(ctx, "realtime event dropped", "channel", OrganizationChannel(orgID), "type", eventType)
	return nil
}

func (Nop) PublishToUser(ctx context.Context, userID, eventType string, _ map[string]any) error {
	slog.DebugContext(ctx, "realtime event dropped", "channel", UserChannel(userID), "type", eventType)
	return nil
}

// Recorder keeps published events in memory, keyed by channel.
type Recorder struct {
	mu     sync.Mutex
	events map[string][]Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{events: make(map[string][]Event)}
}

func (r *Recorder) PublishToOrganization(_ context.Context, orgID, eventType string, payload map[string]any) error {
	r.record(OrganizationChannel(orgID), eventType, payload)
	return nil
}

func (r *Recorder) PublishToUser(_ context.Context, userID, eventType string, payload map[string]any) error {
	r.record(UserChannel(userID), eventType, payload)
	return nil
}

func (r *Recorder) record(channel, eventType string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[channel] = append(r.events[channel], Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()})
}

// Types returns the event types published on channel, in order.
func (r *Recorder) Types(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events[channel]))
	for _, e := range r.events[channel] {
		out = append(out, e.Type)
	}
	return out
}
