package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/notify"
	"github.com/fyrsmithlabs/loopforge/internal/task"
)

// Log streams use these SSE event names:
//
//	event: log   one execution log entry, id is its sequence
//	event: end   the task finished or the stream budget ran out
//	event: error the stream failed after it started
const (
	eventLog   = "log"
	eventEnd   = "end"
	eventError = "error"
)

// sseWriter serializes frames from the tail callback and the heartbeat.
type sseWriter struct {
	mu  sync.Mutex
	res *echo.Response
}

func startSSE(c echo.Context) *sseWriter {
	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()
	return &sseWriter{res: c.Response()}
}

func (w *sseWriter) event(id, name string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id != "" {
		if _, err := fmt.Fprintf(w.res, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.res, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	w.res.Flush()
	return nil
}

func (w *sseWriter) heartbeat() {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprint(w.res, ": heartbeat\n\n")
	w.res.Flush()
}

// keepAlive sends heartbeats until stop is called.
func (w *sseWriter) keepAlive(every time.Duration) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				w.heartbeat()
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// handleLogStream streams a task's execution log until the task leaves
// execution. A reconnecting client resumes after Last-Event-ID.
func (s *Server) handleLogStream(c echo.Context) error {
	ctx := c.Request().Context()
	ownerID, taskID := owner(c), c.Param("id")

	after, err := int64Param(c, "after")
	if err != nil {
		return err
	}
	if last := c.Request().Header.Get("Last-Event-ID"); last != "" {
		if n, perr := strconv.ParseInt(last, 10, 64); perr == nil && n > after {
			after = n
		}
	}

	// Resolve ownership before committing the stream status.
	if _, err := s.tasks.GetTask(ctx, ownerID, taskID); err != nil {
		return err
	}

	w := startSSE(c)
	stop := w.keepAlive(s.config.Heartbeat)
	defer stop()

	err = s.tasks.TailLogs(ctx, ownerID, taskID, after, s.config.TailBudget, func(l *task.ExecutionLog) error {
		data, err := json.Marshal(l)
		if err != nil {
			return err
		}
		return w.event(strconv.FormatInt(l.Sequence, 10), eventLog, data)
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		s.logger.Warn("log stream failed", zap.String("task_id", taskID), zap.Error(err))
		data, _ := json.Marshal(ErrorResponse{Error: err.Error()})
		_ = w.event("", eventError, data)
		return nil
	}
	_ = w.event("", eventEnd, []byte("{}"))
	return nil
}

// handleBoardEvents streams the caller's task events for live boards.
func (s *Server) handleBoardEvents(c echo.Context) error {
	if s.events == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream unavailable")
	}

	msgs := make(chan *nats.Msg, 64)
	sub, err := s.events.Subscribe(owner(c), msgs)
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	w := startSSE(c)
	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgs:
			if err := w.event("", notify.EventType(msg.Subject), msg.Data); err != nil {
				return nil
			}
		case <-ticker.C:
			w.heartbeat()
		case <-c.Request().Context().Done():
			return nil
		}
	}
}
