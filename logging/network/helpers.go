package network

import (
	"context"

	"replicanet/server/logging"
)

const (
	// EventLinkConnected is emitted when a link completes the connect handshake.
	EventLinkConnected logging.EventType = "network.link_connected"
	// EventLinkDisconnected is emitted when a link is removed from the peer.
	EventLinkDisconnected logging.EventType = "network.link_disconnected"
	// EventConnectDenied is emitted when a connect request is refused.
	EventConnectDenied logging.EventType = "network.connect_denied"
	// EventInboxOverflow is emitted when inbound frames are dropped because the peer fell behind.
	EventInboxOverflow logging.EventType = "network.inbox_overflow"
	// EventFrameFillHigh is emitted when a link's outgoing bandwidth budget is nearly spent.
	EventFrameFillHigh logging.EventType = "network.frame_fill_high"
)

// LinkPayload describes a link state change.
type LinkPayload struct {
	Remote       string `json:"remote,omitempty"`
	ReplicatorID uint8  `json:"replicatorId,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// FrameFillPayload captures the measured fill and the configured threshold.
type FrameFillPayload struct {
	Fill      float64 `json:"fill"`
	Threshold float64 `json:"threshold"`
}

// InboxOverflowPayload reports how many frames were dropped.
type InboxOverflowPayload struct {
	Dropped  uint64 `json:"dropped"`
	Capacity int    `json:"capacity"`
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	event.Category = logging.CategoryNetwork
	pub.Publish(ctx, event)
}

// LinkConnected publishes an info event for a connected link.
func LinkConnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload LinkPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{Type: EventLinkConnected, Tick: tick, Actor: actor, Severity: logging.SeverityInfo, Payload: payload, Extra: extra})
}

// LinkDisconnected publishes an info event for a removed link.
func LinkDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload LinkPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{Type: EventLinkDisconnected, Tick: tick, Actor: actor, Severity: logging.SeverityInfo, Payload: payload, Extra: extra})
}

// ConnectDenied publishes a warning when a connect request is refused.
func ConnectDenied(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload LinkPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{Type: EventConnectDenied, Tick: tick, Actor: actor, Severity: logging.SeverityWarn, Payload: payload, Extra: extra})
}

// InboxOverflow publishes a warning when inbound frames were discarded.
func InboxOverflow(ctx context.Context, pub logging.Publisher, tick uint64, payload InboxOverflowPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{Type: EventInboxOverflow, Tick: tick, Actor: logging.EntityRef{Kind: logging.EntityKindPeer}, Severity: logging.SeverityWarn, Payload: payload, Extra: extra})
}

// FrameFillHigh publishes a warning when a link approaches its bandwidth budget.
func FrameFillHigh(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload FrameFillPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{Type: EventFrameFillHigh, Tick: tick, Actor: actor, Severity: logging.SeverityWarn, Payload: payload, Extra: extra})
}
