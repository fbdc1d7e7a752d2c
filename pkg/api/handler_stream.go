package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/groundctl/groundctl/pkg/events"
	"github.com/groundctl/groundctl/pkg/metrics"
)

// sseBufferSize is the per-subscriber delivery buffer. A subscriber that
// falls this many events behind is disconnected.
const sseBufferSize = 256

type sseEvent struct {
	id      uint64
	payload events.Payload
}

// sseSink adapts one SSE connection to the broadcaster's Sink contract.
// Send and Close race by design (producer vs teardown), hence the lock.
type sseSink struct {
	mu     sync.Mutex
	ch     chan sseEvent
	closed bool
}

func newSSESink() *sseSink {
	return &sseSink{ch: make(chan sseEvent, sseBufferSize)}
}

func (s *sseSink) Send(eventID uint64, payload events.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- sseEvent{id: eventID, payload: payload}:
		return nil
	default:
		metrics.SubscribersDropped.Inc()
		return events.ErrSinkFull
	}
}

func (s *sseSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// streamProcessLogsHandler handles GET /api/processes/:id/logs/stream as
// server-sent events with numeric event IDs. A Last-Event-Id header resumes
// with a journal catch-up when the client is behind.
func (s *Server) streamProcessLogsHandler(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.FindProcessByID(c.Request().Context(), id); err != nil {
		return err
	}

	var lastEventID uint64
	if v := c.Request().Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			lastEventID = n
		}
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(200)
	res.Flush()

	subscriberID := uuid.NewString()
	sink := newSSESink()
	s.bus.SubscribeFrom(id, lastEventID, sink)
	metrics.LiveSubscribers.Inc()
	slog.Debug("SSE subscriber connected",
		"subscriber_id", subscriberID,
		"process_id", id,
		"last_event_id", lastEventID)
	defer func() {
		s.bus.Unsubscribe(id, sink)
		sink.Close()
		metrics.LiveSubscribers.Dec()
		slog.Debug("SSE subscriber disconnected", "subscriber_id", subscriberID, "process_id", id)
	}()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sink.ch:
			if !ok {
				// Dropped for backpressure or the process stream ended.
				return nil
			}
			data, err := json.Marshal(ev.payload)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(res, "id: %d\ndata: %s\n\n", ev.id, data); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
