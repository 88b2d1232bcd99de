// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package controllers

import (
	"net/http"

	"github.com/zenazn/goji/web"

	"github.com/dropforge/dropd/drop"
	"github.com/dropforge/dropd/dropapi"
	"github.com/dropforge/dropd/sse"
	"github.com/dropforge/dropd/system"
)

// EventsController serves the server-sent event endpoints.
type EventsController struct {
	eng      *drop.Engine
	streamer *sse.Streamer
}

// NewEventsController is the constructor for the SSE controller.
func NewEventsController(eng *drop.Engine, streamer *sse.Streamer) *EventsController {
	return &EventsController{eng: eng, streamer: streamer}
}

// sseWriter tracks whether the stream headers already went out, so an
// error before the handshake can still pick the JSON error shape while
// a mid-stream failure must not corrupt the wire with a second header.
type sseWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *sseWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *sseWriter) Flush() {
	if fl, ok := w.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

// DropEvents streams drop state and the user's own participant updates
// until the client disconnects.
func (controller *EventsController) DropEvents(c web.C, w http.ResponseWriter, r *http.Request) {
	d, err := controller.eng.GetDrop(c.URLParams["dropId"])
	if err != nil {
		system.WriteAPIError(w, err)
		return
	}
	userID := c.URLParams["userId"]
	if userID == "" {
		system.WriteAPIError(w, dropapi.MissingField("userId"))
		return
	}
	sw := &sseWriter{ResponseWriter: w}
	if err := controller.streamer.ServeDrop(sw, r, d, userID); err != nil {
		if sw.wroteHeader {
			log.Debugf("drop stream ended: drop=%s user=%s: %v", d.ID(), userID, err)
			return
		}
		system.WriteAPIError(sw, err)
	}
}

// QueueEvents streams a queue token's position and admission updates.
func (controller *EventsController) QueueEvents(c web.C, w http.ResponseWriter, r *http.Request) {
	q, err := controller.eng.Queue(c.URLParams["dropId"])
	if err != nil {
		system.WriteAPIError(w, err)
		return
	}
	token := c.URLParams["token"]
	sw := &sseWriter{ResponseWriter: w}
	if err := controller.streamer.ServeQueue(sw, r, q, token); err != nil {
		if sw.wroteHeader {
			log.Debugf("queue stream ended: drop=%s token=%s: %v", q.DropID(), token, err)
			return
		}
		system.WriteAPIError(sw, err)
	}
}
