// Package loop merges chat messages and Gerrit events into one ordered
// stream of actions and folds them into the bot state.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gerritbot/bot"
	"gerritbot/gerrit"
	"gerritbot/pkg/spark"
)

// ErrInputClosed is returned when the message or event stream ends.
var ErrInputClosed = errors.New("input stream closed")

// DefaultSaveTimeout bounds a single state save.
const DefaultSaveTimeout = 30 * time.Second

// Replier sends a direct message.
type Replier interface {
	Reply(ctx context.Context, personID spark.PersonID, markdown string) error
}

// Store persists the bot state.
type Store interface {
	Save(ctx context.Context, state *bot.State) error
}

// UpdateFunc folds one action into the state.
type UpdateFunc func(action bot.Action, state *bot.State) (*bot.State, *bot.Task)

// Config holds the loop's collaborators.
type Config struct {
	Update      UpdateFunc
	Store       Store
	Replier     Replier
	Logger      *slog.Logger
	SaveTimeout time.Duration
}

// Loop drives the bot.
type Loop struct {
	update      UpdateFunc
	store       Store
	replier     Replier
	logger      *slog.Logger
	saveTimeout time.Duration

	// pending holds the next snapshot to save. A newer snapshot replaces
	// one that is still queued.
	pending chan *bot.State
	// tasks tracks detached replies and the save worker.
	tasks sync.WaitGroup
}

// New creates a loop. A nil Update defaults to bot.Update.
func New(cfg Config) *Loop {
	l := &Loop{
		update:      cfg.Update,
		store:       cfg.Store,
		replier:     cfg.Replier,
		logger:      cfg.Logger,
		saveTimeout: cfg.SaveTimeout,
		pending:     make(chan *bot.State, 1),
	}
	if l.update == nil {
		l.update = bot.Update
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.saveTimeout <= 0 {
		l.saveTimeout = DefaultSaveTimeout
	}
	return l
}

// Run consumes messages and events until one of them closes, a value
// arrives on errs, or ctx is done. It returns the final state and the
// reason it stopped. Replies and saves run detached from the fold; Run
// waits for the ones in flight before returning. A nil errs is never ready.
// Saves are written one at a time in order; when several are queued only the
// latest is written. Run may be called once per Loop.
func (l *Loop) Run(ctx context.Context, state *bot.State, messages <-chan spark.Message, events <-chan gerrit.Event, errs <-chan error) (*bot.State, error) {
	l.tasks.Add(1)
	go l.saveWorker(ctx)
	defer func() {
		close(l.pending)
		l.tasks.Wait()
	}()

	for {
		var action bot.Action
		select {
		case <-ctx.Done():
			l.logger.Info("Loop stopping", "reason", ctx.Err())
			return state, ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			l.logger.Error("Exit due to error", "error", err)
			return state, err
		case msg, ok := <-messages:
			if !ok {
				l.logger.Error("Exit due to error", "error", ErrInputClosed, "input", "messages")
				return state, fmt.Errorf("messages: %w", ErrInputClosed)
			}
			action = bot.FromMessage(msg)
		case event, ok := <-events:
			if !ok {
				l.logger.Error("Exit due to error", "error", ErrInputClosed, "input", "events")
				return state, fmt.Errorf("events: %w", ErrInputClosed)
			}
			action = bot.FromEvent(event)
		}

		state = l.step(ctx, action, state)
	}
}

func (l *Loop) step(ctx context.Context, action bot.Action, state *bot.State) *bot.State {
	if action.Kind == bot.NoOp {
		return state
	}
	l.logger.Debug("Handle action", "kind", action.Kind)

	state, task := l.update(action, state)
	if task == nil {
		return state
	}
	l.logger.Debug("New task", "kind", task.Kind, "person_id", task.Response.PersonID)

	switch task.Kind {
	case bot.TaskReplyAndPersist:
		l.save(state.Clone())
		l.reply(ctx, task.Response)
	case bot.TaskReply:
		l.reply(ctx, task.Response)
	default:
		l.logger.Warn("Unknown task kind", "kind", task.Kind)
	}
	return state
}

// reply runs detached. It keeps running after ctx is cancelled so a
// shutdown does not drop an answer already decided.
func (l *Loop) reply(ctx context.Context, response bot.Response) {
	ctx = context.WithoutCancel(ctx)
	l.tasks.Add(1)
	go func() {
		defer l.tasks.Done()
		start := time.Now()
		if err := l.replier.Reply(ctx, response.PersonID, response.Message); err != nil {
			l.logger.Error("Failed to send reply",
				"person_id", response.PersonID,
				"status_code", spark.StatusCode(err),
				"error", err)
			return
		}
		l.logger.Debug("Reply sent",
			"person_id", response.PersonID,
			"duration_ms", time.Since(start).Milliseconds())
	}()
}

// save queues snapshot for the save worker without waiting for it.
func (l *Loop) save(snapshot *bot.State) {
	select {
	case l.pending <- snapshot:
	default:
		// Only the worker receives, so after the drain the slot is free.
		select {
		case stale := <-l.pending:
			l.logger.Debug("Replacing queued state save", "users", stale.NumUsers())
		default:
		}
		l.pending <- snapshot
	}
}

// saveWorker writes queued snapshots until pending is closed. Saves outlive
// ctx so a shutdown does not cut one short.
func (l *Loop) saveWorker(ctx context.Context) {
	defer l.tasks.Done()
	for snapshot := range l.pending {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.saveTimeout)
		if err := l.store.Save(saveCtx, snapshot); err != nil {
			l.logger.Error("Could not save state", "users", snapshot.NumUsers(), "error", err)
		}
		cancel()
	}
}

// LogReplier logs replies instead of sending them.
type LogReplier struct {
	logger *slog.Logger
}

// NewLogReplier creates a dry-run replier.
func NewLogReplier(logger *slog.Logger) *LogReplier {
	return &LogReplier{logger: logger}
}

// Reply logs the message.
func (r *LogReplier) Reply(ctx context.Context, personID spark.PersonID, markdown string) error {
	r.logger.Info("DRY RUN REPLY",
		"person_id", personID,
		"message_length", len(markdown),
		"message", markdown)
	return nil
}
