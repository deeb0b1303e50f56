package app

import (
	"context"
	"fmt"
	"time"

	servernet "replicanet/server/internal/net"
	"replicanet/server/internal/peer"
	"replicanet/server/internal/replica"
	"replicanet/server/internal/telemetry"
	"replicanet/server/logging"
	"replicanet/server/logging/tick"
)

const metricTickOverruns = "app_tick_overruns_total"

// ErrLoopStopped is returned by Do once Run has returned.
var ErrLoopStopped = fmt.Errorf("app: loop stopped: %w", servernet.ErrNodeUnavailable)

// Loop owns a Node. It updates the node's peer at a fixed rate and runs
// submitted tasks between updates, so nothing else touches the node
// concurrently.
type Loop struct {
	node      *Node
	interval  time.Duration
	tasks     chan func(*Node)
	stopped   chan struct{}
	publisher logging.Publisher
	metrics   telemetry.Metrics

	overrunStreak uint64
}

func NewLoop(node *Node, interval time.Duration, publisher logging.Publisher, metrics telemetry.Metrics) *Loop {
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Loop{
		node:      node,
		interval:  interval,
		tasks:     make(chan func(*Node), 64),
		stopped:   make(chan struct{}),
		publisher: publisher,
		metrics:   metrics,
	}
}

// Do runs fn on the loop goroutine before the next update and waits for it.
func (l *Loop) Do(ctx context.Context, fn func(n *Node)) error {
	done := make(chan struct{})
	task := func(n *Node) {
		defer close(done)
		fn(n)
	}
	select {
	case l.tasks <- task:
	case <-l.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Accept registers an inbound transport with the node's peer.
func (l *Loop) Accept(ctx context.Context, transport peer.Transport, remote string) (*peer.Link, error) {
	var link *peer.Link
	err := l.Do(ctx, func(n *Node) {
		link = n.peer.Accept(transport, remote)
	})
	return link, err
}

// Connect opens an initiating link over transport.
func (l *Loop) Connect(ctx context.Context, transport peer.Transport, remote string) (*peer.Link, error) {
	var link *peer.Link
	err := l.Do(ctx, func(n *Node) {
		link = n.peer.Connect(transport, remote)
	})
	return link, err
}

// Run updates the node until ctx is cancelled, then closes it.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.stopped)
	defer l.node.Close()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.drain()
			return
		case task := <-l.tasks:
			task(l.node)
		case <-ticker.C:
			l.step(ctx)
		}
	}
}

func (l *Loop) drain() {
	for {
		select {
		case task := <-l.tasks:
			task(l.node)
		default:
			return
		}
	}
}

func (l *Loop) step(ctx context.Context) {
	started := time.Now()
	l.node.peer.Update()
	elapsed := time.Since(started)
	if elapsed <= l.interval {
		l.overrunStreak = 0
		return
	}
	l.overrunStreak++
	if l.metrics != nil {
		l.metrics.Add(metricTickOverruns, 1)
	}
	tick.BudgetOverrun(ctx, l.publisher, l.node.peer.FrameID(), tick.BudgetOverrunPayload{
		DurationMillis: elapsed.Milliseconds(),
		BudgetMillis:   l.interval.Milliseconds(),
		Ratio:          float64(elapsed) / float64(l.interval),
		Streak:         l.overrunStreak,
	}, nil)
}

// Diagnostics snapshots the node.
func (l *Loop) Diagnostics(ctx context.Context) (any, error) {
	var d Diagnostics
	err := l.Do(ctx, func(n *Node) { d = n.Diagnostics() })
	return d, err
}

// Spawn builds and spawns a replica from a profile template. A non-zero id
// is returned whenever the replica went live, even alongside a route error.
func (l *Loop) Spawn(ctx context.Context, createContext, replicaType string) (uint16, error) {
	var (
		id     uint16
		result error
	)
	err := l.Do(ctx, func(n *Node) {
		rep, err := n.Spawn(replica.CreateContext(createContext), replica.ReplicaType(replicaType))
		if rep != nil {
			id = uint16(rep.ID())
		}
		result = err
	})
	if err != nil {
		return 0, err
	}
	return id, result
}

// Destroy destroys a live replica everywhere.
func (l *Loop) Destroy(ctx context.Context, id uint16) (bool, error) {
	var (
		found  bool
		result error
	)
	err := l.Do(ctx, func(n *Node) { found, result = n.Destroy(replica.ID(id)) })
	if err != nil {
		return false, err
	}
	return found, result
}
