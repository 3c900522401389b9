package util

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/quty-io/fabric/internal/ferrors"
)

// Frame is the decoded shape of a wire payload: an event tag, an optional
// advisory sequence number, and the carried data (string, map, slice, or
// the empty string for an empty payload).
type Frame struct {
	Event string
	Seq   *int64
	Data  any
}

var seqCounter int64

// nextSeq returns a monotonically increasing send sequence number, shared
// across every Encode call in the process. It is advisory only (spec.md
// §6) — nothing downstream treats gaps or resets as errors.
func nextSeq() int64 {
	return atomic.AddInt64(&seqCounter, 1)
}

// Encode builds the wire frame "<event>|<payload>" described in spec.md
// §4.2. Object/array payloads are JSON-encoded with a "_q" sequence field
// spliced in when the root is an object; strings pass through raw; nil
// produces an empty payload.
func Encode(event string, data any) ([]byte, error) {
	if strings.Contains(event, "|") {
		return nil, ferrors.New(ferrors.Malformed, "event tag must not contain '|'")
	}

	payload, err := encodePayload(data)
	if err != nil {
		return nil, err
	}
	return []byte(event + "|" + payload), nil
}

func encodePayload(data any) (string, error) {
	switch v := data.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return "", ferrors.Wrap(ferrors.Malformed, "encode payload", err)
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return string(trimmed), nil
		}
		var m map[string]any
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return "", ferrors.Wrap(ferrors.Malformed, "encode payload", err)
		}
		m["_q"] = nextSeq()
		spliced, err := json.Marshal(m)
		if err != nil {
			return "", ferrors.Wrap(ferrors.Malformed, "encode payload", err)
		}
		return string(spliced), nil
	}
}

// Decode parses a wire frame produced by Encode. The split is on the first
// "|" only, so payload JSON may itself contain the character. An empty
// payload decodes to Data == "". A malformed frame (no "|", or an
// unparseable {/[ payload) returns a Malformed FabricError; callers must
// not disconnect on this per spec.md §7 (frames are simply ignored).
func Decode(raw []byte) (Frame, error) {
	s := string(raw)
	idx := strings.IndexByte(s, '|')
	if idx < 0 {
		return Frame{}, ferrors.New(ferrors.Malformed, "frame missing '|' separator")
	}
	event := s[:idx]
	body := s[idx+1:]

	if body == "" {
		return Frame{Event: event, Data: ""}, nil
	}

	if body[0] == '{' || body[0] == '[' {
		var v any
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return Frame{}, ferrors.Wrap(ferrors.Malformed, "parse json payload", err)
		}
		var seq *int64
		if m, ok := v.(map[string]any); ok {
			if q, ok := m["_q"]; ok {
				delete(m, "_q")
				if f, ok := q.(float64); ok {
					n := int64(f)
					seq = &n
				}
			}
		}
		return Frame{Event: event, Seq: seq, Data: v}, nil
	}

	return Frame{Event: event, Data: body}, nil
}
