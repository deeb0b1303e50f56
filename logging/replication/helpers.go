// Package replication publishes replica lifecycle and routing events.
package replication

import (
	"context"

	"replicanet/server/logging"
)

const (
	// EventReplicasEmplaced is emitted when replicas are bound to an emplace context.
	EventReplicasEmplaced logging.EventType = "replication.replicas_emplaced"
	// EventReplicasSpawned is emitted after the server spawns replicas.
	EventReplicasSpawned logging.EventType = "replication.replicas_spawned"
	// EventReplicasCloned is emitted when live replicas are re-sent to a route.
	EventReplicasCloned logging.EventType = "replication.replicas_cloned"
	// EventReplicasForgotten is emitted when replication knowledge is dropped.
	EventReplicasForgotten logging.EventType = "replication.replicas_forgotten"
	// EventReplicasDestroyed is emitted after an authoritative destroy.
	EventReplicasDestroyed logging.EventType = "replication.replicas_destroyed"
	// EventInterrupted is emitted when links are told to discard their replicas.
	EventInterrupted logging.EventType = "replication.interrupted"
	// EventRouteFailed is emitted when a routed command failed on every targeted link.
	EventRouteFailed logging.EventType = "replication.route_failed"
	// EventIDExhausted is emitted when an identifier store ran out of ids.
	EventIDExhausted logging.EventType = "replication.id_exhausted"
	// EventIncomingRejected is emitted when a received command could not be applied.
	EventIncomingRejected logging.EventType = "replication.incoming_rejected"
)

// BatchPayload summarises a lifecycle batch.
type BatchPayload struct {
	Count     int    `json:"count"`
	Direction string `json:"direction"`
	Context   string `json:"context,omitempty"`
}

// RoutePayload describes a routed command and its outcome.
type RoutePayload struct {
	Command   string `json:"command"`
	Targeted  int    `json:"targeted"`
	Succeeded int    `json:"succeeded"`
	Error     string `json:"error,omitempty"`
}

// ExhaustionPayload names the store that ran dry.
type ExhaustionPayload struct {
	Store string `json:"store"`
	Limit uint64 `json:"limit"`
}

// RejectedPayload explains why an incoming command was dropped.
type RejectedPayload struct {
	Command string `json:"command"`
	Error   string `json:"error"`
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	event.Category = logging.CategoryReplication
	pub.Publish(ctx, event)
}

func batch(ctx context.Context, pub logging.Publisher, eventType logging.EventType, tick uint64, targets []logging.EntityRef, payload BatchPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindSession},
		Targets:  targets,
		Severity: logging.SeverityDebug,
		Payload:  payload,
		Extra:    extra,
	})
}

func ReplicasEmplaced(ctx context.Context, pub logging.Publisher, tick uint64, targets []logging.EntityRef, payload BatchPayload, extra map[string]any) {
	batch(ctx, pub, EventReplicasEmplaced, tick, targets, payload, extra)
}

func ReplicasSpawned(ctx context.Context, pub logging.Publisher, tick uint64, targets []logging.EntityRef, payload BatchPayload, extra map[string]any) {
	batch(ctx, pub, EventReplicasSpawned, tick, targets, payload, extra)
}

func ReplicasCloned(ctx context.Context, pub logging.Publisher, tick uint64, targets []logging.EntityRef, payload BatchPayload, extra map[string]any) {
	batch(ctx, pub, EventReplicasCloned, tick, targets, payload, extra)
}

func ReplicasForgotten(ctx context.Context, pub logging.Publisher, tick uint64, targets []logging.EntityRef, payload BatchPayload, extra map[string]any) {
	batch(ctx, pub, EventReplicasForgotten, tick, targets, payload, extra)
}

func ReplicasDestroyed(ctx context.Context, pub logging.Publisher, tick uint64, targets []logging.EntityRef, payload BatchPayload, extra map[string]any) {
	batch(ctx, pub, EventReplicasDestroyed, tick, targets, payload, extra)
}

// Interrupted publishes an info event for an interrupt broadcast.
func Interrupted(ctx context.Context, pub logging.Publisher, tick uint64, payload RoutePayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{Type: EventInterrupted, Tick: tick, Actor: logging.EntityRef{Kind: logging.EntityKindSession}, Severity: logging.SeverityInfo, Payload: payload, Extra: extra})
}

// RouteFailed publishes a warning for a command no targeted link accepted.
func RouteFailed(ctx context.Context, pub logging.Publisher, tick uint64, payload RoutePayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{Type: EventRouteFailed, Tick: tick, Actor: logging.EntityRef{Kind: logging.EntityKindSession}, Severity: logging.SeverityWarn, Payload: payload, Extra: extra})
}

// IDExhausted publishes an error when an id store is exhausted.
func IDExhausted(ctx context.Context, pub logging.Publisher, tick uint64, payload ExhaustionPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{Type: EventIDExhausted, Tick: tick, Actor: logging.EntityRef{Kind: logging.EntityKindSession}, Severity: logging.SeverityError, Payload: payload, Extra: extra})
}

// IncomingRejected publishes a warning for a received command that was dropped.
func IncomingRejected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload RejectedPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{Type: EventIncomingRejected, Tick: tick, Actor: actor, Severity: logging.SeverityWarn, Payload: payload, Extra: extra})
}
