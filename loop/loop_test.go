package loop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"gerritbot/bot"
	"gerritbot/gerrit"
	"gerritbot/pkg/spark"
)

type sentReply struct {
	to   spark.PersonID
	text string
}

type fakeReplier struct {
	sent chan sentReply
	err  error
}

func (f *fakeReplier) Reply(ctx context.Context, personID spark.PersonID, markdown string) error {
	f.sent <- sentReply{to: personID, text: markdown}
	return f.err
}

type fakeStore struct {
	mu      sync.Mutex
	saved   []*bot.State
	release chan struct{}
}

func (f *fakeStore) Save(ctx context.Context, state *bot.State) error {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, state)
	return nil
}

func (f *fakeStore) snapshot() []*bot.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*bot.State(nil), f.saved...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	loop     *Loop
	replier  *fakeReplier
	store    *fakeStore
	messages chan spark.Message
	events   chan gerrit.Event
	errs     chan error
}

func newHarness(update UpdateFunc) *harness {
	h := &harness{
		replier:  &fakeReplier{sent: make(chan sentReply, 16)},
		store:    &fakeStore{},
		messages: make(chan spark.Message),
		events:   make(chan gerrit.Event),
		errs:     make(chan error, 1),
	}
	h.loop = New(Config{
		Update:  update,
		Store:   h.store,
		Replier: h.replier,
		Logger:  testLogger(),
	})
	return h
}

type result struct {
	state *bot.State
	err   error
}

func (h *harness) start(ctx context.Context, state *bot.State) <-chan result {
	done := make(chan result, 1)
	go func() {
		s, err := h.loop.Run(ctx, state, h.messages, h.events, h.errs)
		done <- result{s, err}
	}()
	return done
}

func waitReply(t *testing.T, sent <-chan sentReply) sentReply {
	t.Helper()
	select {
	case r := <-sent:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return sentReply{}
	}
}

func waitResult(t *testing.T, done <-chan result) result {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return")
		return result{}
	}
}

func chat(from spark.PersonID, text string) spark.Message {
	return spark.Message{ID: spark.MessageID("m-" + text), PersonID: from, PersonEmail: spark.Email(string(from) + "@example.com"), Text: text}
}

func TestReplyAndPersistSendsOneReplyAndOneSave(t *testing.T) {
	h := newHarness(nil)
	h.store.release = make(chan struct{})
	done := h.start(context.Background(), bot.NewState())

	h.messages <- chat("alice", "enable")

	// The save is blocked; the reply must not wait for it.
	r := waitReply(t, h.replier.sent)
	if r.to != "alice" {
		t.Errorf("reply to %q, want alice", r.to)
	}
	if got := h.store.snapshot(); len(got) != 0 {
		t.Errorf("saved %d states before release, want 0", len(got))
	}

	close(h.store.release)
	h.errs <- errors.New("stop")
	res := waitResult(t, done)

	saved := h.store.snapshot()
	if len(saved) != 1 {
		t.Fatalf("saved %d states, want exactly 1", len(saved))
	}
	if saved[0].NumUsers() != 1 || !saved[0].Users[0].Enabled {
		t.Errorf("saved state = %+v, want alice enabled", saved[0].Users)
	}
	if saved[0] == res.state {
		t.Error("saved the live state instead of a snapshot")
	}
	select {
	case extra := <-h.replier.sent:
		t.Errorf("unexpected extra reply %+v", extra)
	default:
	}
}

func TestReplyOnlyDoesNotSave(t *testing.T) {
	h := newHarness(nil)
	done := h.start(context.Background(), bot.NewState())

	h.messages <- chat("alice", "help")
	waitReply(t, h.replier.sent)

	h.errs <- errors.New("stop")
	waitResult(t, done)

	if got := h.store.snapshot(); len(got) != 0 {
		t.Errorf("saved %d states for a plain reply, want 0", len(got))
	}
}

func TestNoOpNeverReachesUpdate(t *testing.T) {
	var calls []bot.ActionKind
	var mu sync.Mutex
	update := func(action bot.Action, state *bot.State) (*bot.State, *bot.Task) {
		mu.Lock()
		calls = append(calls, action.Kind)
		mu.Unlock()
		return state, nil
	}
	h := newHarness(update)

	state := h.loop.step(context.Background(), bot.Action{Kind: bot.NoOp}, bot.NewState())
	if state == nil {
		t.Fatal("step() returned nil state")
	}
	h.loop.step(context.Background(), bot.FromEvent(gerrit.Event{Type: gerrit.TypeChangeMerged}), state)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != bot.EventAction {
		t.Errorf("update called with %v, want only the event", calls)
	}
}

func TestEventNotifiesOwner(t *testing.T) {
	h := newHarness(nil)
	state := &bot.State{Users: []*bot.User{{PersonID: "alice", Email: "alice@example.com", Enabled: true}}}
	done := h.start(context.Background(), state)

	h.events <- gerrit.Event{
		Type:      gerrit.TypeCommentAdded,
		Change:    &gerrit.Change{Subject: "Fix", URL: "https://gerrit.example.com/1", Owner: gerrit.User{Email: "alice@example.com"}},
		Author:    &gerrit.User{Name: "Bob", Email: "bob@example.com"},
		Approvals: []gerrit.Approval{{Type: "Code-Review", Value: "1"}},
	}
	r := waitReply(t, h.replier.sent)
	if r.to != "alice" {
		t.Errorf("notification to %q, want alice", r.to)
	}

	h.errs <- errors.New("stop")
	waitResult(t, done)
}

func TestErrorTerminates(t *testing.T) {
	h := newHarness(nil)
	done := h.start(context.Background(), bot.NewState())

	boom := errors.New("gerrit stream ended")
	h.errs <- boom
	res := waitResult(t, done)
	if !errors.Is(res.err, boom) {
		t.Errorf("Run() error = %v, want %v", res.err, boom)
	}
	if res.state == nil {
		t.Error("Run() returned nil state")
	}
}

func TestClosedInputTerminates(t *testing.T) {
	tests := []struct {
		name  string
		close func(h *harness)
	}{
		{name: "messages", close: func(h *harness) { close(h.messages) }},
		{name: "events", close: func(h *harness) { close(h.events) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(nil)
			done := h.start(context.Background(), bot.NewState())
			tt.close(h)
			res := waitResult(t, done)
			if !errors.Is(res.err, ErrInputClosed) {
				t.Errorf("Run() error = %v, want ErrInputClosed", res.err)
			}
		})
	}
}

func TestStateCarriesAcrossActions(t *testing.T) {
	h := newHarness(nil)
	done := h.start(context.Background(), bot.NewState())

	h.messages <- chat("alice", "enable")
	waitReply(t, h.replier.sent)
	h.messages <- chat("bob", "enable")
	waitReply(t, h.replier.sent)
	h.messages <- chat("alice", "status")
	r := waitReply(t, h.replier.sent)
	if r.text != "Notifications for you are **enabled**. I am notifying 2 of 2 user(s)." {
		t.Errorf("status reply = %q", r.text)
	}

	h.errs <- errors.New("stop")
	res := waitResult(t, done)
	if res.state.NumUsers() != 2 {
		t.Errorf("final NumUsers() = %d, want 2", res.state.NumUsers())
	}
}

func TestRunWaitsForInFlightSave(t *testing.T) {
	h := newHarness(nil)
	h.store.release = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	done := h.start(ctx, bot.NewState())

	h.messages <- chat("alice", "enable")
	waitReply(t, h.replier.sent)
	cancel()

	select {
	case <-done:
		t.Fatal("Run() returned while a save was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.store.release)
	res := waitResult(t, done)
	if !errors.Is(res.err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", res.err)
	}
	if got := h.store.snapshot(); len(got) != 1 {
		t.Errorf("saved %d states, want 1", len(got))
	}
}

func TestLatestSnapshotIsSavedLast(t *testing.T) {
	h := newHarness(nil)
	h.store.release = make(chan struct{})
	done := h.start(context.Background(), bot.NewState())

	// The first save blocks in the store while newer snapshots queue up.
	h.messages <- chat("alice", "enable")
	waitReply(t, h.replier.sent)
	h.messages <- chat("alice", "disable")
	waitReply(t, h.replier.sent)
	h.messages <- chat("bob", "enable")
	waitReply(t, h.replier.sent)

	close(h.store.release)
	h.errs <- errors.New("stop")
	waitResult(t, done)

	saved := h.store.snapshot()
	if len(saved) == 0 || len(saved) > 2 {
		t.Fatalf("saved %d states, want 1 or 2 with stale ones skipped", len(saved))
	}
	last := saved[len(saved)-1]
	if last.NumUsers() != 2 || last.Users[0].Enabled || !last.Users[1].Enabled {
		t.Errorf("last saved users = %+v, want alice disabled and bob enabled", last.Users)
	}
}

func TestReplyFailureDoesNotStopLoop(t *testing.T) {
	h := newHarness(nil)
	h.replier.err = &spark.Error{Kind: spark.KindTransport, Op: "POST messages", StatusCode: 500}
	done := h.start(context.Background(), bot.NewState())

	h.messages <- chat("alice", "help")
	waitReply(t, h.replier.sent)
	h.messages <- chat("alice", "help")
	waitReply(t, h.replier.sent)

	h.errs <- errors.New("stop")
	waitResult(t, done)
}

func TestLogReplier(t *testing.T) {
	r := NewLogReplier(testLogger())
	if err := r.Reply(context.Background(), "alice", "hi"); err != nil {
		t.Errorf("Reply() error = %v", err)
	}
}
