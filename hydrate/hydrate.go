// Package hydrate turns raw webhook posts into full chat messages.
package hydrate

import (
	"context"
	"log/slog"

	"gerritbot/pkg/spark"
)

// MessageFetcher loads a message body by id.
type MessageFetcher interface {
	GetMessage(ctx context.Context, id spark.MessageID) (*spark.Message, error)
}

// Stage drops the bot's own posts and fetches the body of every other one.
type Stage struct {
	fetcher MessageFetcher
	logger  *slog.Logger
	self    spark.PersonID
}

// New creates a hydration stage for the bot identified by self.
func New(fetcher MessageFetcher, self spark.PersonID, logger *slog.Logger) *Stage {
	return &Stage{
		fetcher: fetcher,
		logger:  logger,
		self:    self,
	}
}

// Pump consumes posts and sends hydrated messages on out in arrival order.
// It returns nil when in is closed and ctx.Err() when ctx is done. A failed
// fetch drops that message only. Pump does not close out.
func (s *Stage) Pump(ctx context.Context, in <-chan spark.WebhookMessage, out chan<- spark.Message) error {
	for {
		var post spark.WebhookMessage
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-in:
			if !ok {
				return nil
			}
			post = p
		}

		msg, ok := s.hydrate(ctx, &post)
		if !ok {
			continue
		}

		select {
		case out <- *msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run pumps in a goroutine of its own and closes the returned channel when
// Pump stops. Callers that supervise their goroutines should use Pump.
func (s *Stage) Run(ctx context.Context, in <-chan spark.WebhookMessage) <-chan spark.Message {
	out := make(chan spark.Message)
	go func() {
		defer close(out)
		_ = s.Pump(ctx, in, out)
	}()
	return out
}

func (s *Stage) hydrate(ctx context.Context, post *spark.WebhookMessage) (*spark.Message, bool) {
	// Replies the bot sends come back through the same webhook.
	if post.Data.PersonID == s.self {
		s.logger.Debug("Ignoring own message", "message_id", post.Data.ID)
		return nil, false
	}

	msg, err := s.fetcher.GetMessage(ctx, post.Data.ID)
	if err != nil {
		s.logger.Error("Failed to fetch message",
			"message_id", post.Data.ID,
			"person_email", post.Data.PersonEmail,
			"error", err)
		return nil, false
	}

	s.logger.Debug("Message hydrated", "message_id", msg.ID, "person_id", msg.PersonID)
	return msg, true
}
