package live

import (
	"errors"

	"github.com/goccy/go-json"

	"github.com/aydenstechdungeon/livetrack/apperr"
	"github.com/aydenstechdungeon/livetrack/envelope"
	"github.com/aydenstechdungeon/livetrack/frame"
)

// Kind is the dispatch class of an inbound frame.
type Kind int

const (
	// KindUnknown is any tag the server does not handle. Such frames are logged and ignored.
	KindUnknown Kind = iota
	// KindIdentify carries the visitor identity.
	KindIdentify
	// KindPing is a keep-alive.
	KindPing
	// KindEvent is a real-time event (recording, heatmap, ...).
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindIdentify:
		return "identify"
	case KindPing:
		return "ping"
	case KindEvent:
		return "event"
	}
	return "unknown"
}

var (
	errNotObject   = errors.New("frame is not a JSON object")
	errStillSealed = errors.New("frame could not be decrypted")
)

// Message is a parsed inbound frame.
type Message struct {
	Kind Kind
	// Tag is the frame's t value as sent by the tracker.
	Tag string
	// Body is the decrypted frame. For events it is the compact event itself.
	Body map[string]any
}

// Parser turns raw socket frames into Messages.
type Parser struct {
	decrypter *envelope.Decrypter
	realtime  map[string]bool
}

// NewParser creates a Parser. realtime lists the tags treated as events.
func NewParser(d *envelope.Decrypter, realtime []string) *Parser {
	rt := make(map[string]bool, len(realtime))
	for _, t := range realtime {
		rt[t] = true
	}
	return &Parser{decrypter: d, realtime: rt}
}

// Parse decodes data. Malformed or undecryptable frames return an
// apperr.KindDecode error.
func (p *Parser) Parse(data []byte) (Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, apperr.Decode("parse frame", err)
	}
	if raw == nil {
		return Message{}, apperr.Decode("parse frame", errNotObject)
	}

	// Dispatch uses the outer tag; the envelope may hide everything else.
	tag, _ := raw["t"].(string)
	body := raw

	if envelope.IsEncrypted(raw) {
		opened, err := p.open(raw)
		if err != nil {
			return Message{}, err
		}
		body = opened
		if tag == "" {
			tag, _ = body["t"].(string)
		}
	} else if envelope.IsEncrypted(raw["p"]) {
		opened := p.decrypter.Decrypt(raw["p"])
		if envelope.IsEncrypted(opened) {
			return Message{}, apperr.Decode("decrypt payload", errStillSealed)
		}
		body = make(map[string]any, len(raw))
		for k, v := range raw {
			body[k] = v
		}
		body["p"] = opened
	}

	return Message{Kind: p.classify(tag), Tag: tag, Body: body}, nil
}

func (p *Parser) open(raw map[string]any) (map[string]any, error) {
	opened := p.decrypter.Decrypt(raw)
	if envelope.IsEncrypted(opened) {
		return nil, apperr.Decode("decrypt frame", errStillSealed)
	}
	m, ok := opened.(map[string]any)
	if !ok {
		return nil, apperr.Decode("decrypt frame", errNotObject)
	}
	return m, nil
}

func (p *Parser) classify(tag string) Kind {
	switch {
	case tag == frame.TagIdentify:
		return KindIdentify
	case tag == frame.TagPing:
		return KindPing
	case p.realtime[tag]:
		return KindEvent
	}
	return KindUnknown
}
