package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/config"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/procnode"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/webrtcpeer"
)

type options struct {
	listenAddr     string
	feedURL        string
	codec          string
	fps            float64
	reconnectDelay time.Duration
	stdin          bool
}

func newRootCommand() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "gazelink-procnode",
		Short: "Stand-in processing node that answers proc offers and streams synthetic gaze results",
		Long: `gazelink-procnode accepts proc negotiations from gazelink-server over HTTP
(/connect, /ice-candidate, /disconnect) and pushes synthetic gaze results for
every connected session to the server's result feed.

WebRTC network settings, ICE servers and logging come from the same GAZELINK_*
environment the server reads.

With --stdin, each input line adjusts the emitted results:
  <x> <y>   pin the gaze point
  auto      resume the synthetic pattern
  b         toggle blink`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.listenAddr, "listen", "127.0.0.1:3002", "HTTP listen address for proc negotiation")
	f.StringVar(&opts.feedURL, "feed-url", "ws://127.0.0.1:8080"+procnode.PathFeed, "Server result feed WebSocket URL")
	f.StringVar(&opts.codec, "codec", string(procnode.CodecJSON), "Result feed codec: json or msgpack")
	f.Float64Var(&opts.fps, "fps", 30, "Results per second per session (0 = one per received video frame)")
	f.DurationVar(&opts.reconnectDelay, "reconnect-delay", procnode.DefaultReconnectDelay, "Delay before redialing a dropped result feed")
	f.BoolVar(&opts.stdin, "stdin", false, "Read gaze and blink overrides from standard input")
	return cmd
}

func run(ctx context.Context, opts options) error {
	if opts.fps < 0 {
		return fmt.Errorf("--fps must be >= 0")
	}
	codec, err := procnode.ParseCodec(opts.codec)
	if err != nil {
		return err
	}

	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}
	if err := cfg.ICEConfigError(); err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	api, err := webrtcpeer.NewAPI(cfg, webrtcpeer.APIOptions{Logger: logger})
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	feed := procnode.NewFeedClient(procnode.FeedClientConfig{
		URL:            opts.feedURL,
		Codec:          codec,
		ReconnectDelay: opts.reconnectDelay,
		Logger:         logger,
	})
	node := procnode.NewNode(procnode.NodeConfig{
		API:                 api,
		ICEServers:          cfg.ICEServers,
		GatherTimeout:       cfg.ICEGatheringTimeout,
		MaxQueuedCandidates: cfg.MaxQueuedCandidates,
		FPS:                 opts.fps,
		Publisher:           feed,
		Logger:              logger,
	})
	defer node.Close()

	ln, err := net.Listen("tcp", opts.listenAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           node.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("starting gazelink-procnode",
		"listen_addr", ln.Addr().String(),
		"feed_url", opts.feedURL,
		"codec", codec,
		"fps", opts.fps,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	go func() {
		_ = feed.Run(ctx)
	}()
	if opts.stdin {
		go readOverrides(ctx, os.Stdin, node, logger)
	}

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
