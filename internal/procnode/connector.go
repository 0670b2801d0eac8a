// Package procnode talks to the gaze processing node: the HTTP connector the
// signaling server uses to relay a client's proc negotiation, the result feed
// the node pushes gaze results over, and a mock node that implements the
// node's side of both.
package procnode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/gazelink/internal/protocol"
)

const (
	PathConnect      = "/connect"
	PathICECandidate = "/ice-candidate"
	PathDisconnect   = "/disconnect"

	DefaultRequestTimeout = 10 * time.Second

	maxResponseBytes = 1 << 20
)

var ErrNotConfigured = errors.New("processing node is not configured")

// Connector relays one client's proc negotiation to the processing node.
type Connector interface {
	// Connect hands the client's offer to the node and returns its answer.
	Connect(ctx context.Context, sessionID string, offer protocol.SessionDescription, clockOffset float64) (protocol.SessionDescription, error)
	AddICECandidate(ctx context.Context, sessionID string, c protocol.Candidate) error
	Disconnect(ctx context.Context, sessionID string) error
}

type ConnectRequest struct {
	SessionID   string  `json:"sessionId"`
	Type        string  `json:"type"`
	SDP         string  `json:"sdp"`
	ClockOffset float64 `json:"clockOffset"`
}

type ConnectResponse struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type ICECandidateRequest struct {
	SessionID string             `json:"sessionId"`
	Candidate protocol.Candidate `json:"candidate"`
}

type DisconnectRequest struct {
	SessionID string `json:"sessionId"`
}

// StatusError is returned when the node answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("procnode %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("procnode %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// HTTPConnector implements Connector against the node's HTTP JSON API.
type HTTPConnector struct {
	baseURL string
	client  *http.Client
}

var _ Connector = (*HTTPConnector)(nil)

// NewHTTPConnector returns a connector for the node at baseURL. client may be
// nil, in which case a client with timeout is used.
func NewHTTPConnector(baseURL string, timeout time.Duration, client *http.Client) *HTTPConnector {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPConnector{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (c *HTTPConnector) Connect(ctx context.Context, sessionID string, offer protocol.SessionDescription, clockOffset float64) (protocol.SessionDescription, error) {
	if err := offer.Validate(protocol.NameOffer); err != nil {
		return protocol.SessionDescription{}, err
	}
	var resp ConnectResponse
	err := c.post(ctx, "connect", PathConnect, ConnectRequest{
		SessionID:   sessionID,
		Type:        offer.Type,
		SDP:         offer.SDP,
		ClockOffset: clockOffset,
	}, &resp)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	answer := protocol.SessionDescription{Type: resp.Type, SDP: resp.SDP}
	if err := answer.Validate(protocol.NameAnswer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("procnode connect: %w", err)
	}
	return answer, nil
}

func (c *HTTPConnector) AddICECandidate(ctx context.Context, sessionID string, cand protocol.Candidate) error {
	return c.post(ctx, "ice-candidate", PathICECandidate, ICECandidateRequest{
		SessionID: sessionID,
		Candidate: cand,
	}, nil)
}

func (c *HTTPConnector) Disconnect(ctx context.Context, sessionID string) error {
	return c.post(ctx, "disconnect", PathDisconnect, DisconnectRequest{SessionID: sessionID}, nil)
}

func (c *HTTPConnector) post(ctx context.Context, op, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("procnode %s: marshal: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("procnode %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("procnode %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("procnode %s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("procnode %s: decode response: %w", op, err)
	}
	return nil
}
