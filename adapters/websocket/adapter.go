package websocket

import (
	"net/http"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"sipkit/core"
	"sipkit/realtime"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Handler returns an http.Handler that upgrades to WebSocket and streams events
// from the hub. Query parameters narrow the stream: user=<id> and
// types=<type,type>.
func Handler(hub *realtime.Hub) http.Handler {
	upgrader := gorillaws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := filterFromQuery(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		id, ch := hub.Subscribe(256, filter)
		defer hub.Unsubscribe(id)

		// reader: only control frames are expected; a read error means the client left
		done := make(chan struct{})
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.TextMessage, realtime.MarshalJSON(ev)); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}

func filterFromQuery(r *http.Request) realtime.Filter {
	q := r.URL.Query()
	var filters []realtime.Filter
	if u := strings.TrimSpace(q.Get("user")); u != "" {
		if id, err := core.NormalizeUserID(core.UserID(u)); err == nil {
			filters = append(filters, realtime.ForUser(id))
		}
	}
	if t := q.Get("types"); t != "" {
		var types []core.EventType
		for _, p := range strings.Split(t, ",") {
			if p = strings.TrimSpace(p); p != "" {
				types = append(types, core.EventType(p))
			}
		}
		filters = append(filters, realtime.OfTypes(types...))
	}
	if len(filters) == 0 {
		return nil
	}
	return realtime.All(filters...)
}
