package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/client"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/config"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/gazelink/internal/webrtcpeer"
)

type options struct {
	url     string
	origin  string
	room    string
	process bool
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "gazelink-client",
		Short: "Headless gazelink client that joins a room and prints signaling events and gaze results",
		Long: `gazelink-client connects to a gazelink-server signaling endpoint, optionally
joins a room and opens the peer negotiation with the other member, and
optionally starts a proc negotiation with the processing node.

Every room notice and every relayed gaze result is printed to stdout as one
JSON object per line.`,
		Example: `  gazelink-client --room lobby
  gazelink-client --url ws://gaze.example.com/signal --origin https://gaze.example.com --process`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, out)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "ws://127.0.0.1:8080/signal", "Signaling WebSocket URL")
	f.StringVar(&opts.origin, "origin", "", "Origin header to present (needed when the server restricts origins)")
	f.StringVar(&opts.room, "room", "", "Room to join")
	f.BoolVar(&opts.process, "process", false, "Start a proc negotiation with the processing node")
	return cmd
}

func run(ctx context.Context, opts options, out io.Writer) error {
	if opts.room == "" && !opts.process {
		return fmt.Errorf("nothing to do: pass --room, --process or both")
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
	peer := webrtcpeer.Options{
		ICEServers:   cfg.ICEServers,
		DataChannels: []string{webrtcpeer.DataChannelLabelMeta},
	}
	proc := webrtcpeer.Options{
		ICEServers:   cfg.ICEServers,
		DataChannels: []string{webrtcpeer.DataChannelLabelMeta},
		Video:        webrtc.RTPTransceiverDirectionSendonly,
	}

	var header http.Header
	if opts.origin != "" {
		header = http.Header{"Origin": []string{opts.origin}}
	}
	c, err := client.Dial(ctx, client.Config{
		URL:                 opts.url,
		Header:              header,
		NewTransport:        client.WebRTCTransports(api, peer, proc),
		MaxQueuedCandidates: cfg.MaxQueuedCandidates,
		Logger:              logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()
	logger.Info("connected", "session_id", c.SessionID())

	p := &printer{w: out}
	go p.run(c.Events(), c.Results(), c.Done())

	if opts.room != "" {
		if err := c.Join(ctx, opts.room); err != nil {
			return fmt.Errorf("join %s: %w", opts.room, err)
		}
	}
	if opts.process {
		if err := c.StartProcessing(ctx); err != nil {
			return fmt.Errorf("start processing: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return c.Err()
	}
}

// printer writes one JSON object per line.
type printer struct {
	w io.Writer
}

func (p *printer) print(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = p.w.Write(append(b, '\n'))
}

// run prints events and results until done closes.
func (p *printer) run(events <-chan protocol.Envelope, results <-chan protocol.GazeResult, done <-chan struct{}) {
	for {
		select {
		case env := <-events:
			p.print(env)
		case r := <-results:
			env, err := protocol.NewEnvelope(protocol.EventResultGaze, r)
			if err != nil {
				continue
			}
			p.print(env)
		case <-done:
			return
		}
	}
}
