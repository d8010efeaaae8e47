package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/storyd/internal/eventbus"
)

const heartbeatInterval = 30 * time.Second

// handleStoryStream streams a story's events via Server-Sent Events.
//
// The handler subscribes to the NATS mirror for the story and relays
// each event until the story reaches a terminal state or the client
// disconnects.
//
// Example:
//
//	GET /v1/stories/{id}/stream
//
//	event: stage_started
//	data: {"id":"...","type":"stage_started","story_id":"story-1","stage":"design",...}
//
//	event: completed
//	data: {"id":"...","type":"completed","story_id":"story-1",...}
func (s *Server) handleStoryStream(c echo.Context) error {
	if s.nc == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming requires NATS")
	}

	id := c.Param("id")
	if _, ok := s.engine.Story(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "story not found")
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	msgChan := make(chan *nats.Msg, 16)
	sub, err := s.nc.ChanSubscribe(eventbus.SubjectFor(id), msgChan)
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// Heartbeats keep proxies from closing an idle stream.
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			// stories.{story_id}.{event_type}
			parts := strings.Split(msg.Subject, ".")
			if len(parts) < 3 {
				continue
			}
			eventType := parts[2]

			fmt.Fprintf(c.Response(), "event: %s\n", eventType)
			fmt.Fprintf(c.Response(), "data: %s\n\n", string(msg.Data))
			c.Response().Flush()

			if terminalEvent(eventbus.Type(eventType)) {
				return nil
			}

		case <-ticker.C:
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}

// terminalEvent reports whether an event type ends a story's stream.
func terminalEvent(t eventbus.Type) bool {
	return t == eventbus.TypeCompleted || t == eventbus.TypeRejected
}
