package controllers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/RealZimboGuy/flowcron/internal/eventbus"
	"github.com/RealZimboGuy/flowcron/internal/util"
	"github.com/RealZimboGuy/flowcron/pkg/flowcron/models"
	"github.com/gorilla/websocket"
)

// EventAdmin accepts external signals: events for event schedules and facts for store conditions.
type EventAdmin interface {
	PublishEvent(ctx context.Context, ev eventbus.Event) (eventbus.Event, error)
	PutFact(ctx context.Context, key, value string) error
	Bus() eventbus.Bus
}

const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096}

type EventsController struct {
	AuthController
	Admin EventAdmin
}

func NewEventsController(admin EventAdmin, auth AuthController) *EventsController {
	return &EventsController{Admin: admin, AuthController: auth}
}

func (c *EventsController) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	req, err := util.DecodeJSONBody[models.PublishEventRequest](r)
	if err != nil {
		badRequest(w, err)
		return
	}
	ev := eventbus.Event{ID: req.ID, Type: req.EventType, Source: req.EventSource, Payload: req.Payload}
	if req.Timestamp != nil {
		ev.Time = *req.Timestamp
	}
	published, err := c.Admin.PublishEvent(r.Context(), ev)
	if err != nil {
		writeError(w, r, "publish event", err)
		return
	}
	util.WriteJSONResponse(w, http.StatusAccepted, published)
}

func (c *EventsController) handlePutFact(w http.ResponseWriter, r *http.Request) {
	req, err := util.DecodeJSONBody[models.PutFactRequest](r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := c.Admin.PutFact(r.Context(), r.PathValue("key"), req.Value); err != nil {
		writeError(w, r, "put fact", err)
		return
	}
	util.WriteJSONResponse(w, http.StatusOK, models.OkResponse{OK: true})
}

// handleStreamEvents upgrades to a websocket and forwards bus events whose type matches
// one of the comma separated `types` patterns (all events when empty).
func (c *EventsController) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	patterns := splitPatterns(r.URL.Query().Get("types"))
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			badRequest(w, fmt.Errorf("bad type pattern %q: %w", p, err))
			return
		}
	}

	// subscribe before the handshake so nothing published after it is missed
	events, unsubscribe := c.Admin.Bus().Subscribe(64)
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !matchesAny(patterns, ev.Type) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("Event stream closed", "error", err)
				return
			}
		}
	}
}

func splitPatterns(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func matchesAny(patterns []string, eventType string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := path.Match(p, eventType); ok {
			return true
		}
	}
	return false
}
