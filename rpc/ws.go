package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"lienchain/core/events"
	"lienchain/core/types"
	"lienchain/observability"
)

const (
	wsWriteTimeout = 10 * time.Second
	hubBuffer      = 64
)

// eventPayload is the wire form of one lifecycle event frame.
type eventPayload struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// EventHub fans lifecycle events out to websocket subscribers. It satisfies
// events.Emitter so it can sit directly behind the engine and tokenizer.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan eventPayload]struct{}
}

// NewEventHub returns an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan eventPayload]struct{})}
}

// Emit broadcasts the event to every subscriber. Slow subscribers drop frames
// rather than block the engine.
func (h *EventHub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	payload := eventPayload{Type: evt.EventType()}
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if inner := carrier.Event(); inner != nil {
			payload.Attributes = inner.Attributes
			if next, ok := inner.Attributes["newState"]; ok {
				observability.Events().RecordTransition(next)
			}
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

func (h *EventHub) subscribe() chan eventPayload {
	sub := make(chan eventPayload, hubBuffer)
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *EventHub) unsubscribe(sub chan eventPayload) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.hub == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn) error {
	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload := <-sub:
			data, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
