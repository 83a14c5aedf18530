// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package ws

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harbor-ai-inc/harbor-backend/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: implement proper origin checking
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 15 * time.Second
)

// Bridge forwards the tagged session event feed over a WebSocket for
// clients that cannot consume SSE. The envelopes are identical to the ones
// the SSE proxy emits.
type Bridge struct{}

// NewBridge creates a WebSocket event bridge.
func NewBridge() *Bridge {
	return &Bridge{}
}

// Serve upgrades the request and pumps upstream events to the client until
// either side goes away. The upstream reader is released as soon as the
// client disconnects.
func (b *Bridge) Serve(w http.ResponseWriter, r *http.Request, upstream io.ReadCloser, proxiedSessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] websocket upgrade failed: %v", err)
		upstream.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer conn.Close()
	defer upstream.Close()

	// Read pump: the client sends nothing meaningful, but reading is how we
	// learn about disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := make(chan envelopeOrError)
	go readUpstream(ctx, upstream, proxiedSessionID, events)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if ev.err != nil {
				msg := map[string]string{"error": ev.err.Error()}
				_ = conn.WriteJSON(msg)
				return
			}
			if err := conn.WriteJSON(ev.env); err != nil {
				return
			}
		}
	}
}

type envelopeOrError struct {
	env stream.Envelope
	err error
}

func readUpstream(ctx context.Context, upstream io.Reader, proxiedSessionID string, out chan<- envelopeOrError) {
	defer close(out)
	scanner := stream.NewScanner(upstream)
	for {
		payload, err := scanner.Next()
		if err != nil {
			select {
			case out <- envelopeOrError{err: err}:
			case <-ctx.Done():
			}
			return
		}

		env, ok := stream.Tag(payload, proxiedSessionID)
		if !ok {
			continue
		}

		select {
		case out <- envelopeOrError{env: env}:
		case <-ctx.Done():
			return
		}
	}
}
