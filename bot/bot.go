// Package bot holds the bot's state and the update function that folds
// chat messages and Gerrit events into it.
package bot

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"gerritbot/gerrit"
	"gerritbot/pkg/spark"
)

// ActionKind discriminates Action.
type ActionKind int

const (
	// NoOp actions are dropped before they reach Update.
	NoOp ActionKind = iota
	MessageAction
	EventAction
)

func (k ActionKind) String() string {
	switch k {
	case MessageAction:
		return "message"
	case EventAction:
		return "event"
	default:
		return "noop"
	}
}

// Action is one input to the bot.
type Action struct {
	Kind    ActionKind
	Message *spark.Message
	Event   *gerrit.Event
}

// FromMessage wraps a hydrated chat message.
func FromMessage(msg spark.Message) Action {
	return Action{Kind: MessageAction, Message: &msg}
}

// FromEvent wraps a Gerrit event.
func FromEvent(event gerrit.Event) Action {
	return Action{Kind: EventAction, Event: &event}
}

// Response is a direct message to one person.
type Response struct {
	PersonID spark.PersonID
	Message  string
}

// TaskKind discriminates Task.
type TaskKind int

const (
	TaskReply TaskKind = iota + 1
	TaskReplyAndPersist
)

func (k TaskKind) String() string {
	switch k {
	case TaskReply:
		return "reply"
	case TaskReplyAndPersist:
		return "reply_and_persist"
	default:
		return fmt.Sprintf("TaskKind(%d)", int(k))
	}
}

// Task is the side effect Update asks the caller to perform.
type Task struct {
	Kind     TaskKind
	Response Response
}

// Filter suppresses notifications whose text matches Regex.
type Filter struct {
	Regex   string `json:"regex"`
	Enabled bool   `json:"enabled"`
}

// User is a person who has talked to the bot.
type User struct {
	PersonID spark.PersonID `json:"person_id"`
	Email    spark.Email    `json:"email"`
	Enabled  bool           `json:"enabled"`
	Filter   *Filter        `json:"filter,omitempty"`
}

// State is everything the bot persists.
type State struct {
	Users []*User `json:"users"`

	// sent remembers recent notifications per user. It is not persisted.
	sent *expirable.LRU[string, struct{}]
}

// NewState returns an empty state.
func NewState() *State {
	return &State{Users: []*User{}}
}

// InitMessageCache turns on de-duplication of notifications: a text already
// sent to a user is not sent again until it has been out of the cache for
// ttl. At most capacity texts are remembered across all users.
func (s *State) InitMessageCache(capacity int, ttl time.Duration) {
	s.sent = expirable.NewLRU[string, struct{}](capacity, nil, ttl)
}

// Clone returns a deep copy of the users safe to hand to another goroutine.
// The message cache is not copied.
func (s *State) Clone() *State {
	c := &State{Users: make([]*User, len(s.Users))}
	for i, u := range s.Users {
		cu := *u
		if u.Filter != nil {
			f := *u.Filter
			cu.Filter = &f
		}
		c.Users[i] = &cu
	}
	return c
}

// NumUsers returns the number of known users.
func (s *State) NumUsers() int {
	return len(s.Users)
}

// NumEnabled returns the number of users with notifications on.
func (s *State) NumEnabled() int {
	n := 0
	for _, u := range s.Users {
		if u.Enabled {
			n++
		}
	}
	return n
}

func (s *State) findUser(id spark.PersonID) *User {
	for _, u := range s.Users {
		if u.PersonID == id {
			return u
		}
	}
	return nil
}

func (s *State) findEnabledByEmail(email string) *User {
	for _, u := range s.Users {
		if u.Enabled && strings.EqualFold(string(u.Email), email) {
			return u
		}
	}
	return nil
}

// user returns the user for msg's sender, adding them if unknown. The
// stored email follows the latest message.
func (s *State) user(msg *spark.Message) *User {
	if u := s.findUser(msg.PersonID); u != nil {
		u.Email = msg.PersonEmail
		return u
	}
	u := &User{PersonID: msg.PersonID, Email: msg.PersonEmail}
	s.Users = append(s.Users, u)
	return u
}

const helpText = `Hi, I am a Gerrit notification bot. I will message you when someone reviews a change you own.

Commands:
* **enable** - start notifications
* **disable** - stop notifications
* **status** - show whether notifications are on
* **filter** - show your filter
* **filter <regex>** - drop notifications matching the regex
* **filter on** / **filter off** - switch your filter on or off
* **help** - show this message`

const unknownCommandText = "Sorry, I did not understand that. Type **help** to see what I can do."

// Update applies action to state and returns the state together with the
// task it requires, if any. It mutates and returns the state it is given.
func Update(action Action, state *State) (*State, *Task) {
	switch action.Kind {
	case MessageAction:
		if action.Message == nil {
			return state, nil
		}
		return state, handleMessage(action.Message, state)
	case EventAction:
		if action.Event == nil {
			return state, nil
		}
		return state, handleEvent(action.Event, state)
	default:
		return state, nil
	}
}

func handleMessage(msg *spark.Message, state *State) *Task {
	reply := func(kind TaskKind, text string) *Task {
		return &Task{Kind: kind, Response: Response{PersonID: msg.PersonID, Message: text}}
	}

	text := strings.TrimSpace(msg.CommandText())
	command, arg, _ := strings.Cut(text, " ")
	command = strings.ToLower(command)
	arg = strings.TrimSpace(arg)

	switch {
	case command == "enable" && arg == "":
		state.user(msg).Enabled = true
		return reply(TaskReplyAndPersist, "Got it! Happy reviewing!")
	case command == "disable" && arg == "":
		state.user(msg).Enabled = false
		return reply(TaskReplyAndPersist, "Got it! I will stay silent.")
	case command == "status" && arg == "":
		enabled := "disabled"
		if u := state.findUser(msg.PersonID); u != nil && u.Enabled {
			enabled = "enabled"
		}
		return reply(TaskReply, fmt.Sprintf(
			"Notifications for you are **%s**. I am notifying %d of %d user(s).",
			enabled, state.NumEnabled(), state.NumUsers()))
	case command == "filter":
		return handleFilter(msg, arg, state, reply)
	case command == "help" && arg == "":
		return reply(TaskReply, helpText)
	default:
		return reply(TaskReply, unknownCommandText)
	}
}

func handleFilter(msg *spark.Message, arg string, state *State, reply func(TaskKind, string) *Task) *Task {
	switch strings.ToLower(arg) {
	case "":
		u := state.findUser(msg.PersonID)
		if u == nil || u.Filter == nil {
			return reply(TaskReply, "No filter is configured.")
		}
		status := "disabled"
		if u.Filter.Enabled {
			status = "enabled"
		}
		return reply(TaskReply, fmt.Sprintf("The current filter is `%s` and it is **%s**.", u.Filter.Regex, status))
	case "on", "enable":
		u := state.findUser(msg.PersonID)
		if u == nil || u.Filter == nil {
			return reply(TaskReply, "Cannot enable the filter: no filter is configured. Set one with **filter <regex>**.")
		}
		u.Filter.Enabled = true
		return reply(TaskReplyAndPersist, "Filter is **enabled**.")
	case "off", "disable":
		u := state.findUser(msg.PersonID)
		if u == nil || u.Filter == nil {
			return reply(TaskReply, "No filter is configured.")
		}
		u.Filter.Enabled = false
		return reply(TaskReplyAndPersist, "Filter is **disabled**.")
	}

	if _, err := regexp.Compile(arg); err != nil {
		return reply(TaskReply, fmt.Sprintf("Invalid filter `%s`: %v", arg, err))
	}
	state.user(msg).Filter = &Filter{Regex: arg, Enabled: true}
	return reply(TaskReplyAndPersist, fmt.Sprintf("Filter set to `%s` and **enabled**.", arg))
}

func handleEvent(event *gerrit.Event, state *State) *Task {
	if event.Type != gerrit.TypeCommentAdded || event.Change == nil || len(event.Approvals) == 0 {
		return nil
	}
	owner := event.Change.Owner.Email
	if owner == "" {
		return nil
	}
	if event.Author != nil && strings.EqualFold(event.Author.Email, owner) {
		return nil
	}
	user := state.findEnabledByEmail(owner)
	if user == nil {
		return nil
	}
	text := FormatApprovals(event)
	if text == "" || user.filtered(text) {
		return nil
	}
	if state.sent != nil {
		key := string(user.PersonID) + "\n" + text
		if _, seen := state.sent.Get(key); seen {
			return nil
		}
		state.sent.Add(key, struct{}{})
	}
	return &Task{Kind: TaskReply, Response: Response{PersonID: user.PersonID, Message: text}}
}

// filtered reports whether the user's enabled filter matches text. A stored
// regex that no longer compiles filters nothing.
func (u *User) filtered(text string) bool {
	if u.Filter == nil || !u.Filter.Enabled {
		return false
	}
	matched, err := regexp.MatchString(u.Filter.Regex, text)
	return err == nil && matched
}

// FormatApprovals renders the votes of a comment-added event as markdown,
// one line per label. Labels whose value did not change are left out.
// It returns "" when nothing changed.
func FormatApprovals(event *gerrit.Event) string {
	var lines []string
	for _, a := range event.Approvals {
		if a.OldValue != "" && a.OldValue == a.Value {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s%s", approvalSymbol(a.Value), a.Type, signed(a.Value)))
	}
	if len(lines) == 0 {
		return ""
	}

	author := "someone"
	if event.Author != nil {
		author = event.Author.DisplayName()
	}
	header := fmt.Sprintf("[%s](%s) (%s) by %s:", event.Change.Subject, event.Change.URL, event.Change.Project, author)
	return header + "\n" + strings.Join(lines, "\n")
}

func signed(value string) string {
	if value == "" || strings.HasPrefix(value, "-") || strings.HasPrefix(value, "+") {
		return value
	}
	if value == "0" {
		return " 0"
	}
	return "+" + value
}

func approvalSymbol(value string) string {
	switch {
	case strings.HasPrefix(value, "-"):
		return "👎"
	case value == "" || value == "0":
		return "👉"
	default:
		return "👍"
	}
}
