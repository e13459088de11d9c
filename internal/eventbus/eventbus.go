// Copyright 2025 James Ross

// Package eventbus implements C10: a thin wrapper over the store driver's
// dedicated pub/sub connection (spec §4.10). The atomic scripts publish
// events themselves as part of their state transitions; this package is
// only for subscribers (SDKs, the CLI watch command, admin tooling).
package eventbus

import (
	"context"
	"encoding/json"

	"github.com/bridgemq/bridgemq/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Event is the common envelope every channel carries (spec §4.10); Type
// distinguishes job.created/job.claimed/job.completed/... and Raw holds
// the whole payload verbatim for event-specific fields.
type Event struct {
	Type      string          `json:"event"`
	JobID     string          `json:"jobId,omitempty"`
	ServerID  string          `json:"serverId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Raw       json.RawMessage `json:"-"`
}

// Bus subscribes to the event channels in spec §4.10.
type Bus struct {
	pubsub *redis.Client
	schema keys.Schema
}

// New builds a Bus. pubsub must be the dedicated pub/sub client returned
// by redisclient.Driver.PubSub(), never the primary pool.
func New(pubsub *redis.Client, namespace string) *Bus {
	return &Bus{pubsub: pubsub, schema: keys.New(namespace)}
}

// SubscribeGlobal subscribes to every event in the namespace.
func (b *Bus) SubscribeGlobal(ctx context.Context) *redis.PubSub {
	return b.pubsub.Subscribe(ctx, b.schema.EventsGlobal())
}

// SubscribeMesh subscribes to one mesh's events.
func (b *Bus) SubscribeMesh(ctx context.Context, meshID string) *redis.PubSub {
	return b.pubsub.Subscribe(ctx, b.schema.EventsMesh(meshID))
}

// SubscribeJob subscribes to one job's lifecycle events.
func (b *Bus) SubscribeJob(ctx context.Context, jobID string) *redis.PubSub {
	return b.pubsub.Subscribe(ctx, b.schema.EventsJob(jobID))
}

// SubscribeServer subscribes to the events that name one server (claim,
// completion, retry, failure and stall events).
func (b *Bus) SubscribeServer(ctx context.Context, serverID string) *redis.PubSub {
	return b.pubsub.Subscribe(ctx, b.schema.EventsServer(serverID))
}

// SubscribeType subscribes to every event for one job type across meshes.
func (b *Bus) SubscribeType(ctx context.Context, jobType string) *redis.PubSub {
	return b.pubsub.Subscribe(ctx, b.schema.EventsType(jobType))
}

// Decode parses one pub/sub message payload into an Event, keeping the
// full payload available in Raw for callers that need event-specific
// fields (e.g. job.retry's nextRunAt).
func Decode(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, err
	}
	ev.Raw = json.RawMessage(payload)
	return ev, nil
}
