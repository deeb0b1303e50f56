// Package app wires a replication node: logging router, peer, replicator,
// tick loop and HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	nethttp "net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"replicanet/server/internal/config"
	servernet "replicanet/server/internal/net"
	"replicanet/server/internal/net/ws"
	"replicanet/server/internal/peer"
	"replicanet/server/internal/profile"
	"replicanet/server/internal/replica"
	"replicanet/server/internal/replicator"
	"replicanet/server/internal/telemetry"
	"replicanet/server/logging"
	loggingSinks "replicanet/server/logging/sinks"
)

type Config struct {
	Env    config.Config
	Logger telemetry.Logger
	// Stdout receives console and stdout JSON log sinks.
	Stdout io.Writer
}

// Run serves until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	fallbackLogger := log.Default()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	env := cfg.Env
	role, err := env.ReplicaRole()
	if err != nil {
		return err
	}

	logConfig := env.Logging()
	logConfig.Fields["session"] = uuid.NewString()
	sinks, err := loggingSinks.Build(logConfig, stdout)
	if err != nil {
		return fmt.Errorf("failed to construct logging sinks: %w", err)
	}
	metrics := &logging.Metrics{}
	router, err := logging.NewRouter(logging.SystemClock{}, logConfig, sinks, logging.WithFallback(fallbackLogger), logging.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), env.ShutdownTimeout)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	prof, err := loadProfile(env.Profile)
	if err != nil {
		return err
	}

	telemetryMetrics := telemetry.WrapMetrics(metrics)
	node, err := NewNode(NodeConfig{
		Role:    role,
		Profile: prof,
		Peer: peer.Config{
			LinkBytesPerSecond: env.LinkBytesPerSecond,
			TickRate:           env.TickRate,
			Logger:             telemetryLogger,
			Publisher:          router,
			Metrics:            telemetryMetrics,
		},
		Replicator: replicator.Config{
			FrameFillWarning: env.FrameFillWarning,
			FrameFillSkip:    env.FrameFillSkip,
			Logger:           telemetryLogger,
			Publisher:        router,
			Metrics:          telemetryMetrics,
		},
		Logger: telemetryLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to construct node: %w", err)
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	loop := NewLoop(node, env.TickInterval(), router, telemetryMetrics)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(loopCtx)
	}()
	defer func() { <-loopDone }()
	defer stopLoop()

	connCfg := ws.Config{
		CompressThreshold: env.CompressThreshold,
		Logger:            telemetryLogger,
		Metrics:           telemetryMetrics,
	}

	if role == replica.RoleClient {
		if err := dialServer(loopCtx, loop, env.ServerURL, connCfg, telemetryLogger); err != nil {
			return err
		}
	}

	handler := servernet.NewHTTPHandler(loop, servernet.HTTPHandlerConfig{
		Logger:  telemetryLogger,
		Metrics: metrics.Snapshot,
		WebSocket: ws.HandlerConfig{
			Conn:              connCfg,
			UpgradesPerSecond: env.UpgradesPerSecond,
			UpgradeBurst:      max(1, int(env.UpgradesPerSecond)),
		},
		Observability: env.Observability(),
		EnableControl: role == replica.RoleServer,
	})

	srv := &nethttp.Server{Addr: env.Addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		telemetryLogger.Printf("%s listening on %s", role, srv.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), env.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetryLogger.Printf("http shutdown: %v", err)
	}
	return nil
}

func loadProfile(path string) (*profile.Profile, error) {
	if path == "" {
		return profile.Default()
	}
	return profile.Load(path)
}

func dialServer(ctx context.Context, loop *Loop, url string, cfg ws.Config, logger telemetry.Logger) error {
	conn, err := ws.Dial(ctx, url, cfg)
	if err != nil {
		return err
	}
	link, err := loop.Connect(ctx, conn, url)
	if err != nil {
		conn.Close()
		return err
	}
	go func() {
		if err := conn.Serve(link); err != nil {
			logger.Printf("connection to %s ended: %v", url, err)
		}
	}()
	return nil
}
