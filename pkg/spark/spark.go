// Package spark contains the Webex Spark data model shared by the bot's
// messaging client, webhook server and hydration stage.
package spark

import (
	"encoding/json"
	"fmt"
	"time"
)

// PersonID is the Spark id of a user.
type PersonID string

// ResourceID identifies the resource a webhook fired for.
type ResourceID string

// Email is a user's email address as reported by Spark.
type Email string

// WebhookID identifies a webhook registration.
type WebhookID string

// MessageID identifies a chat message.
type MessageID string

// RoomID identifies a room.
type RoomID string

func (id PersonID) String() string   { return string(id) }
func (id ResourceID) String() string { return string(id) }
func (e Email) String() string       { return string(e) }
func (id WebhookID) String() string  { return string(id) }
func (id MessageID) String() string  { return string(id) }
func (id RoomID) String() string     { return string(id) }

// RoomType is the kind of room a message was posted in.
type RoomType string

const (
	RoomDirect RoomType = "direct"
	RoomGroup  RoomType = "group"
)

// ResourceType is the resource a webhook watches.
type ResourceType string

const (
	ResourceMemberships ResourceType = "memberships"
	ResourceMessages    ResourceType = "messages"
	ResourceRooms       ResourceType = "rooms"
)

// EventType is the event a webhook watches.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Timestamp is a UTC point in time that travels as RFC3339 text.
type Timestamp struct {
	time.Time
}

// NewTimestamp normalizes t to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// MarshalJSON encodes the timestamp as an RFC3339 string.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts only RFC3339 strings. null leaves t unchanged.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC()
	return nil
}

// WebhookMessage is the envelope Spark posts to a webhook target.
type WebhookMessage struct {
	ID        WebhookID  `json:"id"`
	ActorID   PersonID   `json:"actorId"`
	AppID     string     `json:"appId"`
	Created   Timestamp  `json:"created"`
	CreatedBy PersonID   `json:"createdBy"`
	Data      Message    `json:"data"`
	Event     EventType  `json:"event"`
	Name      string     `json:"name"`
	OrgID     string     `json:"orgId"`
	OwnedBy   string     `json:"ownedBy"`
	Resource  ResourceID `json:"resource"`
	Status    string     `json:"status"`
	TargetURL string     `json:"targetUrl"`
}

// Message is a chat message. Messages embedded in a webhook envelope are
// stubs without a body; messages fetched by id are hydrated.
type Message struct {
	Created     *Timestamp `json:"created,omitempty"`
	ID          MessageID  `json:"id"`
	PersonEmail Email      `json:"personEmail"`
	PersonID    PersonID   `json:"personId"`
	RoomID      RoomID     `json:"roomId"`
	RoomType    RoomType   `json:"roomType"`
	Text        string     `json:"text,omitempty"`
	Markdown    *string    `json:"markdown,omitempty"`
	HTML        *string    `json:"html,omitempty"`
}

// Hydrated reports whether the message carries a body.
func (m *Message) Hydrated() bool {
	return m.Text != "" || m.Markdown != nil || m.HTML != nil
}

// PersonDetails is the response of people/me.
type PersonDetails struct {
	ID           PersonID  `json:"id"`
	Emails       []Email   `json:"emails"`
	DisplayName  string    `json:"displayName"`
	NickName     *string   `json:"nickName,omitempty"`
	OrgID        string    `json:"orgId"`
	Created      Timestamp `json:"created"`
	LastActivity *string   `json:"lastActivity,omitempty"`
	Status       *string   `json:"status,omitempty"`
	Type         string    `json:"type"`
}

// WebhookRegistration is the body of a webhook creation request.
type WebhookRegistration struct {
	Name      string       `json:"name"`
	TargetURL string       `json:"targetUrl"`
	Resource  ResourceType `json:"resource"`
	Event     EventType    `json:"event"`
}

// Webhook is a webhook registration as Spark reports it.
type Webhook struct {
	ID        WebhookID    `json:"id"`
	Name      string       `json:"name"`
	TargetURL string       `json:"targetUrl"`
	Resource  ResourceType `json:"resource"`
	Event     EventType    `json:"event"`
	OrgID     string       `json:"orgId"`
	CreatedBy string       `json:"createdBy"`
	AppID     string       `json:"appId"`
	OwnedBy   string       `json:"ownedBy"`
	Status    string       `json:"status"`
	Created   Timestamp    `json:"created"`
}

// MatchesMessagesCreated reports whether the webhook delivers new messages,
// which is the only subscription the bot keeps.
func (w *Webhook) MatchesMessagesCreated() bool {
	return w.Resource == ResourceMessages && w.Event == EventCreated
}

// Webhooks is the list response of the webhooks resource.
type Webhooks struct {
	Items []Webhook `json:"items"`
}
