// Package events publishes job lifecycle notifications to NATS so other
// systems can react to retries and deaths without polling Redis.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/theabhaychauhan/sidekiq/internal/job"
	"github.com/theabhaychauhan/sidekiq/internal/retry"
)

// conn is the slice of nats.Conn the publisher needs; tests substitute a
// fake.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher emits lifecycle events. The zero value and a nil Publisher are
// both safe no-ops, so callers need no enabled checks at every site.
type Publisher struct {
	conn   conn
	prefix string
	logger *zap.Logger
}

// Event is the wire form of one notification.
type Event struct {
	JID          string  `json:"jid"`
	Class        string  `json:"class"`
	Queue        string  `json:"queue"`
	RetryCount   int     `json:"retry_count"`
	Error        string  `json:"error,omitempty"`
	At           float64 `json:"at"`
	DelaySeconds float64 `json:"delay_seconds,omitempty"`
}

// Connect dials NATS and returns a Publisher on it.
func Connect(url, subjectPrefix string, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("sidekiq-events"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return newPublisher(nc, subjectPrefix, logger), nil
}

func newPublisher(c conn, subjectPrefix string, logger *zap.Logger) *Publisher {
	if subjectPrefix == "" {
		subjectPrefix = "sidekiq"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{conn: c, prefix: subjectPrefix, logger: logger.Named("events")}
}

func (p *Publisher) publish(subject string, ev Event) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("failed to encode event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// JobRetried announces a failure that was rescheduled.
func (p *Publisher) JobRetried(j *job.Job, delay time.Duration) {
	if p == nil {
		return
	}
	p.publish(p.prefix+".retry", Event{
		JID:          j.JID,
		Class:        j.Class,
		Queue:        j.Queue,
		RetryCount:   j.Retries(),
		Error:        j.ErrorMessage,
		At:           job.Epoch(time.Now()),
		DelaySeconds: delay.Seconds(),
	})
}

// DeathHandler adapts the publisher to the retry engine's death hook.
func (p *Publisher) DeathHandler() retry.DeathHandler {
	return func(ctx context.Context, j *job.Job, err error) {
		if p == nil {
			return
		}
		p.publish(p.prefix+".dead", Event{
			JID:        j.JID,
			Class:      j.Class,
			Queue:      j.Queue,
			RetryCount: j.Retries(),
			Error:      job.ScrubMessage(job.SafeMessage(err)),
			At:         job.Epoch(time.Now()),
		})
	}
}

// Close flushes buffered events and drops the connection.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
