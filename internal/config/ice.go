package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	// EnvICEServersJSON takes precedence over the STUN/TURN convenience
	// variables when set.
	EnvICEServersJSON = "GAZELINK_ICE_SERVERS_JSON"

	EnvStunURLs       = "GAZELINK_STUN_URLS"
	EnvTurnURLs       = "GAZELINK_TURN_URLS"
	EnvTurnUsername   = "GAZELINK_TURN_USERNAME"
	EnvTurnCredential = "GAZELINK_TURN_CREDENTIAL"
)

var (
	errNoICEURLs         = errors.New("missing urls")
	errTURNNeedsUsername = errors.New("turn urls require username")
	errTURNNeedsPassword = errors.New("turn urls require credential")
)

// ICESource is the raw ICE server configuration as read from the
// environment, the config file or flags. The same servers are handed to
// browsers on /webrtc/ice and to pion peers, so each entry must be usable by
// both.
type ICESource struct {
	JSON string

	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
}

// Servers resolves the source into pion ICE servers. JSON wins when set.
func (s ICESource) Servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if urls := splitCommaSeparated(s.STUNURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvStunURLs, err)
		}
		servers = append(servers, server)
	}
	if urls := splitCommaSeparated(s.TURNURLs); len(urls) > 0 {
		user := strings.TrimSpace(s.TURNUsername)
		cred := strings.TrimSpace(s.TURNCredential)
		if user == "" || cred == "" {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", EnvTurnUsername, EnvTurnCredential, EnvTurnURLs)
		}
		server := webrtc.ICEServer{URLs: urls, Username: user, Credential: cred}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvTurnURLs, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// iceServerJSON mirrors RTCIceServer, where "urls" may be one string or a
// list.
type iceServerJSON struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential string          `json:"credential,omitempty"`
}

func (s iceServerJSON) urls() ([]string, error) {
	if len(s.URLs) == 0 {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(s.URLs, &one); err == nil {
		return splitCommaSeparated(one), nil
	}
	var many []string
	if err := json.Unmarshal(s.URLs, &many); err != nil {
		return nil, fmt.Errorf("urls: %w", err)
	}
	out := make([]string, 0, len(many))
	for _, u := range many {
		if u = strings.TrimSpace(u); u != "" && !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out, nil
}

// ParseICEServersJSON parses and validates a JSON array of RTCIceServer
// objects.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		urls, err := entry.urls()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(entry.Username)}
		if cred := strings.TrimSpace(entry.Credential); cred != "" {
			server.Credential = cred
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validateICEServer parses every URL with pion's STUN URI parser, which
// rejects schemes other than stun, stuns, turn and turns.
func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errNoICEURLs
	}

	turn := false
	for _, raw := range server.URLs {
		u, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("invalid url %q: %w", raw, err)
		}
		if u.Scheme == stun.SchemeTypeTURN || u.Scheme == stun.SchemeTypeTURNS {
			turn = true
		}
	}
	if !turn {
		return nil
	}
	if server.Username == "" {
		return errTURNNeedsUsername
	}
	if cred, ok := server.Credential.(string); !ok || cred == "" {
		return errTURNNeedsPassword
	}
	return nil
}
