// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// dataPrefix marks SSE payload lines. Anything else (comments, event names,
// blank separators) carries no payload and is skipped. The space after the
// colon is optional in the SSE format, so it is trimmed separately.
var dataPrefix = []byte("data:")

// Envelope is one outbound event, tagged with the session it belongs to.
// The upstream agent stream is not pre-filtered: it can interleave events
// from sibling or child sessions (sub-agent tasks). IsParent tells the
// client whether the event belongs to the proxied session itself or to a
// nested session it spawned.
type Envelope struct {
	SessionID string          `json:"sessionId"`
	IsParent  bool            `json:"isParent"`
	Event     json.RawMessage `json:"event"`
}

// Scanner reads an upstream text/event-stream incrementally, buffering
// partial lines across chunk boundaries, and yields the payload of each
// `data:` line.
type Scanner struct {
	r *bufio.Reader
}

// NewScanner wraps an upstream event stream body.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Next returns the next data payload. It returns io.EOF at the natural end
// of the stream and any other read error as-is.
func (s *Scanner) Next() ([]byte, error) {
	for {
		line, err := s.r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return nil, err
		}

		trimmed := bytes.TrimRight(line, "\r\n")
		if bytes.HasPrefix(trimmed, dataPrefix) {
			payload := trimmed[len(dataPrefix):]
			if len(payload) > 0 && payload[0] == ' ' {
				payload = payload[1:]
			}
			return payload, nil
		}

		if err != nil {
			// Trailing non-data fragment before EOF.
			return nil, err
		}
	}
}

// Tag parses a payload and attributes it to a session. Malformed JSON
// payloads report ok=false and must be skipped, never terminate the stream.
// A payload with no discoverable session identifier is attributed to the
// proxied session itself.
func Tag(payload []byte, proxiedSessionID string) (Envelope, bool) {
	var event map[string]interface{}
	if err := json.Unmarshal(payload, &event); err != nil {
		return Envelope{}, false
	}

	sessionID := findSessionID(event)
	if sessionID == "" {
		sessionID = proxiedSessionID
	}

	return Envelope{
		SessionID: sessionID,
		IsParent:  sessionID == proxiedSessionID,
		Event:     json.RawMessage(append([]byte(nil), payload...)),
	}, true
}

// sessionIDKeys are the payload keys checked for a session identifier, in
// order, at the top level and inside each nested candidate object.
var sessionIDKeys = []string{"sessionID", "sessionId", "session_id"}

// nestedCandidates are objects that carry the session identifier for some
// event shapes (tool parts, typed event properties).
var nestedCandidates = []string{"properties", "part", "info"}

func findSessionID(event map[string]interface{}) string {
	if id := sessionIDFrom(event); id != "" {
		return id
	}
	for _, key := range nestedCandidates {
		if nested, ok := event[key].(map[string]interface{}); ok {
			if id := sessionIDFrom(nested); id != "" {
				return id
			}
		}
	}
	return ""
}

func sessionIDFrom(obj map[string]interface{}) string {
	for _, key := range sessionIDKeys {
		if id, ok := obj[key].(string); ok && id != "" {
			return id
		}
	}
	return ""
}
