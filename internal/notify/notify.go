// Package notify publishes board events on NATS core subjects.
//
// Events are published to:
//
//	<prefix>.board.<owner_id>.<event_type>
//
// for example loopforge.board.alice.stage-changed. Delivery is best effort;
// a failed publish is logged and dropped.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopforge/internal/task"
)

// Publisher is a task.Notifier over a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

var _ task.Notifier = (*Publisher)(nil)

// NewPublisher creates a publisher. prefix is the subject root, normally "loopforge".
func NewPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "loopforge"
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// Publish sends ev to its owner's board subject.
func (p *Publisher) Publish(_ context.Context, ev task.Event) {
	subject := Subject(p.prefix, ev.OwnerID, string(ev.Type))
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to encode board event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish board event",
			zap.String("subject", subject),
			zap.String("task_id", ev.TaskID),
			zap.Error(err))
	}
}

// Subscribe delivers every board event of ownerID on ch until the returned
// subscription is unsubscribed.
func (p *Publisher) Subscribe(ownerID string, ch chan *nats.Msg) (*nats.Subscription, error) {
	sub, err := p.nc.ChanSubscribe(Subject(p.prefix, ownerID, "*"), ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe board events: %w", err)
	}
	return sub, nil
}

// Subject returns the board subject for an owner and event type. Subject
// wildcards and separators in the owner id are replaced.
func Subject(prefix, ownerID, eventType string) string {
	return fmt.Sprintf("%s.board.%s.%s", prefix, token(ownerID), eventType)
}

// EventType extracts the event type from a board subject.
func EventType(subject string) string {
	i := strings.LastIndexByte(subject, '.')
	if i < 0 {
		return ""
	}
	return subject[i+1:]
}

func token(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}
