// Package frame defines the JSON frames exchanged over live sockets.
package frame

import (
	"github.com/goccy/go-json"
)

// Frame tags.
const (
	TagIdentify = "trk_idn"
	TagConfig   = "trk_cfg"
	TagToggle   = "trk_tgl"
	TagCommand  = "trk_cmd"
	TagPing     = "ping"
	TagPong     = "pong"
	TagError    = "error"
	TagWarn     = "warn"
	TagStatus   = "status"

	TagRecording = "recording"
	TagHeatmap   = "heatmap"
)

// Frame is the {t, p} envelope of every server frame.
type Frame struct {
	T string `json:"t"`
	P any    `json:"p,omitempty"`
}

// Message is the payload of error and warn frames.
type Message struct {
	Message string `json:"message"`
}

// Toggle switches one tracker on a client.
type Toggle struct {
	Tracker string `json:"tn"`
	Enabled bool   `json:"s"`
}

// Recording carries replay fragments to a player.
type Recording struct {
	Events []any `json:"rr_events"`
}

// Encode marshals a {t, p} frame.
func Encode(t string, p any) ([]byte, error) {
	return json.Marshal(Frame{T: t, P: p})
}

// Error returns an encoded error frame.
func Error(msg string) []byte {
	return mustEncode(TagError, Message{Message: msg})
}

// Warn returns an encoded warn frame.
func Warn(msg string) []byte {
	return mustEncode(TagWarn, Message{Message: msg})
}

// Pong returns an encoded pong frame.
func Pong() []byte {
	return mustEncode(TagPong, nil)
}

// Connected returns the greeting sent once a client is authenticated.
func Connected() []byte {
	return mustEncode(TagPing, map[string]string{"msg": "connected"})
}

// PlayerConnected returns the greeting sent to a player for fp.
func PlayerConnected(fp string) []byte {
	return mustEncode(TagStatus, map[string]string{"status": "connected", "fp": fp})
}

// RecordingFrame encodes fragments for a player.
func RecordingFrame(fragments []any) ([]byte, error) {
	if fragments == nil {
		fragments = []any{}
	}
	return Encode(TagRecording, Recording{Events: fragments})
}

// mustEncode is for fixed-shape frames that cannot fail to marshal.
func mustEncode(t string, p any) []byte {
	b, err := Encode(t, p)
	if err != nil {
		panic(err)
	}
	return b
}
