// Package gerrit reads the Gerrit "stream-events" feed.
package gerrit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Event types the bot cares about. Gerrit emits many more.
const (
	TypeCommentAdded  = "comment-added"
	TypeReviewerAdded = "reviewer-added"
	TypeChangeMerged  = "change-merged"
)

// User is a Gerrit account as it appears in events.
type User struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// DisplayName returns the best human-readable name for the account.
func (u *User) DisplayName() string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Username != "":
		return u.Username
	default:
		return u.Email
	}
}

// Change identifies the change an event refers to.
type Change struct {
	Project string `json:"project"`
	Branch  string `json:"branch"`
	ID      string `json:"id"`
	Number  int    `json:"number"`
	Subject string `json:"subject"`
	Owner   User   `json:"owner"`
	URL     string `json:"url"`
	Status  string `json:"status"`
	Topic   string `json:"topic,omitempty"`
}

// PatchSet identifies a revision of a change.
type PatchSet struct {
	Number   int    `json:"number"`
	Revision string `json:"revision"`
	Ref      string `json:"ref"`
	Uploader User   `json:"uploader"`
}

// Approval is a label vote. Value and OldValue are the signed vote as text.
type Approval struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Value       string `json:"value"`
	OldValue    string `json:"oldValue,omitempty"`
}

// Event is one line of the stream-events feed.
type Event struct {
	Type      string     `json:"type"`
	Change    *Change    `json:"change,omitempty"`
	PatchSet  *PatchSet  `json:"patchSet,omitempty"`
	Author    *User      `json:"author,omitempty"`
	Reviewer  *User      `json:"reviewer,omitempty"`
	Submitter *User      `json:"submitter,omitempty"`
	Approvals []Approval `json:"approvals,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	CreatedOn int64      `json:"eventCreatedOn"`
}

// Decode parses one stream-events line.
func Decode(line []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(line, &event); err != nil {
		return nil, fmt.Errorf("decode gerrit event: %w", err)
	}
	if event.Type == "" {
		return nil, errors.New("decode gerrit event: missing type")
	}
	return &event, nil
}

// maxLineBytes bounds one event line; comment-added events carry the full
// review comment.
const maxLineBytes = 4 << 20

// Read decodes events from r until it fails or ctx is done, sending each on
// out. Undecodable lines are logged and skipped. The end of the stream is
// an error: Gerrit never closes stream-events on its own.
func Read(ctx context.Context, r io.Reader, out chan<- Event, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event, err := Decode(line)
		if err != nil {
			logger.Warn("Skipping gerrit event", "error", err)
			continue
		}
		logger.Debug("Gerrit event received", "type", event.Type)

		select {
		case out <- *event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read gerrit events: %w", err)
	}
	return fmt.Errorf("read gerrit events: %w", io.ErrUnexpectedEOF)
}
