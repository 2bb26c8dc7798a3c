package hub

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/websocket"
)

// ClientFrame is a client→server message on the realtime channel.
type ClientFrame struct {
	Type string `json:"type"` // "ping" | "cancel" | "status-query"
}

// Controller is the slice of the job service the realtime channel needs.
// Authorization has already happened by the time ServeWS runs.
type Controller interface {
	// Cancel requests cooperative cancellation of the job.
	Cancel(ctx context.Context, jobID string) error
	// Snapshot returns the job's current state as an event.
	Snapshot(ctx context.Context, jobID string) (Event, error)
}

// wsConn adapts a websocket connection to the hub's Conn interface.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Send(ev Event) error {
	// A stuck peer must fail the send (and get evicted), not block the
	// writer forever.
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return websocket.JSON.Send(c.ws, ev)
}

func (c *wsConn) Close() error { return c.ws.Close() }

// ServeWS returns the handler for one job's realtime channel. The caller
// resolves jobID/ownerID and authorizes before handing off the request.
func ServeWS(h *Hub, ctrl Controller, jobID, ownerID string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return websocket.Handler(func(ws *websocket.Conn) {
		sub := h.Subscribe(jobID, ownerID, &wsConn{ws: ws})
		defer h.Unsubscribe(sub)

		log := logger.With("job_id", jobID, "subscription_id", sub.ID)
		log.Debug("hub: subscriber connected")

		// Push the current state right away so late joiners don't wait
		// for the next transition.
		if ev, err := ctrl.Snapshot(ws.Request().Context(), jobID); err == nil {
			h.enqueue(sub, ev)
		}

		for {
			var frame ClientFrame
			if err := websocket.JSON.Receive(ws, &frame); err != nil {
				log.Debug("hub: subscriber disconnected", "error", err)
				return
			}
			sub.Touch()

			switch frame.Type {
			case "ping":
				// Touch above is the whole point of a ping.
			case "cancel":
				if err := ctrl.Cancel(ws.Request().Context(), jobID); err != nil {
					log.Warn("hub: cancel via channel failed", "error", err)
				}
			case "status-query":
				if ev, err := ctrl.Snapshot(ws.Request().Context(), jobID); err == nil {
					h.enqueue(sub, ev)
				}
			default:
				log.Debug("hub: ignoring unknown client frame", "frame_type", frame.Type)
			}
		}
	})
}
