package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const heartbeatInterval = 15 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// KeyFunc extracts the instance id a request subscribes to.
type KeyFunc func(r *http.Request) string

// WebSocketHandler streams enveloped events as text frames. The read loop
// only exists to notice the client going away.
func (b *Broadcaster) WebSocketHandler(key KeyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := key(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Warn("websocket upgrade failed", "instanceID", instanceID, "error", err)
			return
		}
		defer conn.Close()

		sub := b.Subscribe(instanceID)
		defer sub.Close()

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(heartbeatInterval)
		defer ping.Stop()
		for {
			select {
			case <-gone:
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(b.writeWait)); err != nil {
					return
				}
			case ev, ok := <-sub.Events():
				_ = conn.SetWriteDeadline(time.Now().Add(b.writeWait))
				if !ok {
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber fell behind"))
					return
				}
				payload, err := Marshal(ev)
				if err != nil {
					b.logger.Error("encode progress event", "error", err)
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			}
		}
	}
}

// SSEHandler streams events as server-sent events named after their kind.
func (b *Broadcaster) SSEHandler(key KeyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		instanceID := key(r)
		sub := b.Subscribe(instanceID)
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		writeSSE(w, "connected", map[string]string{"instanceId": instanceID})
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		done := r.Context().Done()
		for {
			select {
			case <-done:
				return
			case <-heartbeat.C:
				writeSSE(w, "heartbeat", map[string]string{"timestamp": time.Now().UTC().Format(time.RFC3339)})
				flusher.Flush()
			case ev, ok := <-sub.Events():
				if !ok {
					writeSSE(w, "closed", map[string]string{"reason": "subscriber fell behind"})
					flusher.Flush()
					return
				}
				writeSSE(w, string(ev.EventKind()), ev)
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
