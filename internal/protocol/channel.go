package protocol

import "strings"

// Channel is one of the logical protocols that share a signaling connection.
//
// The set is closed: an event whose prefix is not listed here classifies as
// ChannelUnknown and is never routed.
type Channel uint8

const (
	ChannelUnknown Channel = iota
	ChannelRoom
	ChannelPeer
	ChannelProc
	ChannelResult
)

const channelSeparator = ":"

var channelPrefixes = map[string]Channel{
	"room":   ChannelRoom,
	"peer":   ChannelPeer,
	"proc":   ChannelProc,
	"result": ChannelResult,
}

func (c Channel) String() string {
	switch c {
	case ChannelRoom:
		return "room"
	case ChannelPeer:
		return "peer"
	case ChannelProc:
		return "proc"
	case ChannelResult:
		return "result"
	default:
		return "unknown"
	}
}

// Channels lists every routable channel in declaration order.
func Channels() []Channel {
	return []Channel{ChannelRoom, ChannelPeer, ChannelProc, ChannelResult}
}

// Classify splits an event name like "peer:offer" into its channel and the
// channel-local name ("offer").
func Classify(event string) (Channel, string) {
	prefix, name, ok := strings.Cut(event, channelSeparator)
	if !ok || name == "" {
		return ChannelUnknown, ""
	}
	ch, ok := channelPrefixes[prefix]
	if !ok {
		return ChannelUnknown, ""
	}
	return ch, name
}

// Event joins a channel and a channel-local name.
func Event(ch Channel, name string) string {
	return ch.String() + channelSeparator + name
}
