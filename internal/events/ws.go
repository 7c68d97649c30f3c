package events

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// ServeWS upgrades the request to a websocket and streams events as JSON text
// frames until the client goes away. An optional "call" query parameter limits
// the stream to one call; recent events for that call are sent first.
func (s *Store) ServeWS(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call")

	c, err := ws.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("events ws accept")
		return
	}
	defer c.Close(ws.StatusInternalError, "closing")

	// Subscribe before the backlog so nothing falls in between.
	live, unsubscribe := s.Subscribe(0)
	defer unsubscribe()

	// Clients only listen; CloseRead handles control frames and cancels ctx on close.
	ctx := c.CloseRead(r.Context())

	sent := map[string]bool{}
	if callID != "" {
		for _, evt := range s.List(callID) {
			if err := write(ctx, c, evt); err != nil {
				return
			}
			sent[evt.ID] = true
		}
	}

	for {
		select {
		case <-ctx.Done():
			c.Close(ws.StatusNormalClosure, "done")
			return
		case evt, ok := <-live:
			if !ok {
				c.Close(ws.StatusGoingAway, "shutting down")
				return
			}
			if (callID != "" && evt.CallID != callID) || sent[evt.ID] {
				continue
			}
			if err := write(ctx, c, evt); err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, c *ws.Conn, evt Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, evt)
}
