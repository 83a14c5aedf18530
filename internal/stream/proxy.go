// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"
)

// DefaultKeepAlive is how often a comment ping is written so intermediaries
// do not time the connection out while the agent thinks silently.
const DefaultKeepAlive = 15 * time.Second

// Proxy converts a sandbox's raw event stream into a per-client, per-session
// SSE feed.
type Proxy struct {
	keepAlive time.Duration
}

// NewProxy creates a Proxy with the default keep-alive interval.
func NewProxy() *Proxy {
	return &Proxy{keepAlive: DefaultKeepAlive}
}

// NewProxyWithKeepAlive creates a Proxy with a custom keep-alive interval
// (for testing).
func NewProxyWithKeepAlive(d time.Duration) *Proxy {
	return &Proxy{keepAlive: d}
}

// event carries one parsed upstream event or the terminal error.
type event struct {
	env Envelope
	err error
}

// Serve streams upstream events to w until the client disconnects or the
// upstream ends. Every event is tagged with session attribution before it is
// forwarded. An unrecoverable upstream failure emits exactly one terminal
// error event; a client-side write failure just stops the stream.
//
// The upstream reader is released the moment ctx is cancelled.
func (p *Proxy) Serve(ctx context.Context, w http.ResponseWriter, upstream io.ReadCloser, proxiedSessionID string) {
	defer upstream.Close()

	WriteSSEHeaders(w)

	events := make(chan event)
	go func() {
		defer close(events)
		scanner := NewScanner(upstream)
		for {
			payload, err := scanner.Next()
			if err != nil {
				select {
				case events <- event{err: err}:
				case <-ctx.Done():
				}
				return
			}

			env, ok := Tag(payload, proxiedSessionID)
			if !ok {
				// Malformed payload: skip, keep the stream alive.
				continue
			}

			select {
			case events <- event{env: env}:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(p.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away; closing upstream (deferred) unblocks the
			// reader goroutine.
			return

		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flush(w)

		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.err != nil {
				if errors.Is(ev.err, io.EOF) {
					WriteErrorEvent(w, "upstream event stream ended")
				} else {
					WriteErrorEvent(w, "upstream event stream failed: "+ev.err.Error())
				}
				return
			}

			data, err := json.Marshal(ev.env)
			if err != nil {
				log.Printf("[stream] marshal envelope: %v", err)
				continue
			}
			if _, err := io.WriteString(w, "data: "+string(data)+"\n\n"); err != nil {
				// Client-side write failure means the client is gone.
				return
			}
			flush(w)
		}
	}
}

// WriteSSEHeaders writes the response headers for a text/event-stream
// response.
func WriteSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flush(w)
}

// WriteErrorEvent emits a single terminal SSE error event. Write failures
// are swallowed: the client is already gone.
func WriteErrorEvent(w http.ResponseWriter, message string) {
	data, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return
	}
	if _, err := io.WriteString(w, "event: error\ndata: "+string(data)+"\n\n"); err != nil {
		return
	}
	flush(w)
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
