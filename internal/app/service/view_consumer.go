package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/goster/internal/app/model"
	"github.com/sifan077/goster/internal/app/repository"
	"go.uber.org/zap"
)

const (
	viewFetchBatch   = 10
	viewFetchMaxWait = 5 * time.Second
)

// ViewRecorder persists aggregated view counts.
type ViewRecorder interface {
	IncrementViews(ctx context.Context, code string, n int64) error
}

// ViewStream names the JetStream objects the consumer binds to.
type ViewStream struct {
	Stream   string
	Subject  string
	Consumer string
}

// ViewConsumer consumes view events from NATS JetStream and folds them into
// per-link view counters.
type ViewConsumer struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	repo   ViewRecorder
	stream ViewStream
}

// NewViewConsumer creates a new view event consumer.
func NewViewConsumer(js nats.JetStreamContext, logger *zap.Logger, repo ViewRecorder, stream ViewStream) *ViewConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ViewConsumer{js: js, logger: logger, repo: repo, stream: stream}
}

// Run binds to the durable consumer and folds view events into counters
// until ctx is done. The stream and consumer must already exist.
func (c *ViewConsumer) Run(ctx context.Context) error {
	sub, err := c.js.PullSubscribe(c.stream.Subject, c.stream.Consumer, nats.BindStream(c.stream.Stream))
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	c.logger.Info("view consumer started", zap.String("stream", c.stream.Stream))
	for {
		if ctx.Err() != nil {
			c.logger.Info("view consumer stopped")
			return nil
		}

		msgs, err := sub.Fetch(viewFetchBatch, nats.MaxWait(viewFetchMaxWait))
		if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			c.logger.Error("failed to fetch messages", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		c.handleBatch(ctx, msgs)
	}
}

// handleBatch counts views per link so a burst of plays costs one update per
// link. Malformed events are terminated; events for links whose update
// failed are redelivered.
func (c *ViewConsumer) handleBatch(ctx context.Context, msgs []*nats.Msg) {
	counts := make(map[string]int64)
	byCode := make(map[string][]*nats.Msg)

	for _, msg := range msgs {
		var event model.ViewEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil || event.LinkCode == "" {
			c.logger.Error("failed to unmarshal view event", zap.Error(err))
			msg.Term()
			continue
		}
		counts[event.LinkCode]++
		byCode[event.LinkCode] = append(byCode[event.LinkCode], msg)
	}

	for code, n := range counts {
		err := c.repo.IncrementViews(ctx, code, n)
		switch {
		case err == nil:
			c.logger.Debug("views recorded", zap.String("link_code", code), zap.Int64("count", n))
			ackAll(byCode[code])
		case errors.Is(err, repository.ErrLinkNotFound):
			c.logger.Warn("views for unknown link dropped", zap.String("link_code", code))
			ackAll(byCode[code])
		default:
			c.logger.Error("failed to record views",
				zap.String("link_code", code),
				zap.Int64("count", n),
				zap.Error(err),
			)
			for _, msg := range byCode[code] {
				msg.Nak()
			}
		}
	}
}

func ackAll(msgs []*nats.Msg) {
	for _, msg := range msgs {
		msg.Ack()
	}
}
