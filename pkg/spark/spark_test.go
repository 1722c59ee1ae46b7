package spark

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

const webhookPost = `{
  "id": "Y2lzY29zcGFyazovL3VzL1dFQkhPT0svZjRlNjA1NjAtNjYwMi00ZmIwLWEyNWEtOTQ5ODgxNjA5NDk3",
  "name": "gerritbot",
  "targetUrl": "https://bot.example.com/",
  "resource": "messages",
  "event": "created",
  "orgId": "OTZhYmMyYWEtM2RjYy0xMWU1LWExNTItZmUzNDgxOWNkYzlh",
  "createdBy": "Y2lzY29zcGFyazovL3VzL1BFT1BMRS8xZjdkZTVjYi04NTYxLTQ2NzEtYmMwMy1iYzk3NDMxNDQ0MmQ",
  "appId": "Y2lzY29zcGFyazovL3VzL0FQUExJQ0FUSU9OL0MyNzljYjMwYzAyOTE4MGJiNGJkYWViYjA2MWI3OTY1Y2RhMzliNjAyOTdjODUwM2YyNjZhYmY2NmM5OTllYzFm",
  "ownedBy": "creator",
  "status": "active",
  "created": "2016-08-17T10:33:32.458Z",
  "actorId": "Y2lzY29zcGFyazovL3VzL1BFT1BMRS9lM2EyNjA4OC1hNmRiLTQxZjgtOTliMC1hNTEyMzkyYzAwOTg",
  "data": {
    "id": "Y2lzY29zcGFyazovL3VzL01FU1NBR0UvMzIzZWUyZjAtNzFmYy0xMWU2LWFhNWQtNTk2ZjFmNWE0NWFl",
    "roomId": "Y2lzY29zcGFyazovL3VzL1JPT00vY2FlYTRhNDAtNzE3Zi0xMWU2LWEzMzEtNGQ4MGQ4ZTdmZDE5",
    "roomType": "direct",
    "personId": "Y2lzY29zcGFyazovL3VzL1BFT1BMRS9lM2EyNjA4OC1hNmRiLTQxZjgtOTliMC1hNTEyMzkyYzAwOTg",
    "personEmail": "alice@example.com",
    "created": "2016-08-17T10:33:32.458Z"
  }
}`

func TestDecodeWebhookMessage(t *testing.T) {
	var post WebhookMessage
	if err := json.Unmarshal([]byte(webhookPost), &post); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if post.Event != EventCreated {
		t.Errorf("Event = %q, want %q", post.Event, EventCreated)
	}
	if post.Data.PersonEmail != "alice@example.com" {
		t.Errorf("Data.PersonEmail = %q, want alice@example.com", post.Data.PersonEmail)
	}
	if post.Data.RoomType != RoomDirect {
		t.Errorf("Data.RoomType = %q, want %q", post.Data.RoomType, RoomDirect)
	}
	if post.Data.Hydrated() {
		t.Error("embedded message should be a stub without body")
	}
	want := time.Date(2016, 8, 17, 10, 33, 32, 458000000, time.UTC)
	if !post.Created.Equal(want) {
		t.Errorf("Created = %v, want %v", post.Created, want)
	}
	if post.Created.Location() != time.UTC {
		t.Errorf("Created location = %v, want UTC", post.Created.Location())
	}
}

func TestWebhookMessageRoundTrip(t *testing.T) {
	var post WebhookMessage
	if err := json.Unmarshal([]byte(webhookPost), &post); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	encoded, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var again WebhookMessage
	if err := json.Unmarshal(encoded, &again); err != nil {
		t.Fatalf("Unmarshal(re-encoded) error = %v", err)
	}

	if again.ID != post.ID || again.ActorID != post.ActorID || again.CreatedBy != post.CreatedBy {
		t.Errorf("identifiers changed: got %+v, want %+v", again, post)
	}
	if again.Data.ID != post.Data.ID || again.Data.PersonID != post.Data.PersonID || again.Data.RoomID != post.Data.RoomID {
		t.Errorf("message identifiers changed: got %+v, want %+v", again.Data, post.Data)
	}
	if !again.Created.Equal(post.Created.Time) {
		t.Errorf("Created = %v, want %v", again.Created, post.Created)
	}
	if again.Data.Created == nil || !again.Data.Created.Equal(post.Data.Created.Time) {
		t.Errorf("Data.Created = %v, want %v", again.Data.Created, post.Data.Created)
	}
}

func TestTimestampUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{
			name:  "utc",
			input: `"2019-03-01T12:00:00Z"`,
			want:  time.Date(2019, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			name:  "offset normalized to utc",
			input: `"2019-03-01T14:00:00+02:00"`,
			want:  time.Date(2019, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			name:    "not rfc3339",
			input:   `"01/03/2019 12:00"`,
			wantErr: true,
		},
		{
			name:    "number",
			input:   `1551441600`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			err := json.Unmarshal([]byte(tt.input), &ts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !ts.Equal(tt.want) || ts.Location() != time.UTC {
				t.Errorf("Unmarshal() = %v, want %v", ts.Time, tt.want)
			}
		})
	}
}

func TestTimestampNull(t *testing.T) {
	var post WebhookMessage
	input := `{"id":"w1","created":null,"data":{"id":"m1","created":null}}`
	if err := json.Unmarshal([]byte(input), &post); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if post.Data.ID != "m1" {
		t.Errorf("Data.ID = %q, want m1", post.Data.ID)
	}

	var ts Timestamp
	if err := json.Unmarshal([]byte(`null`), &ts); err != nil {
		t.Fatalf("Unmarshal(null) error = %v", err)
	}
	if !ts.IsZero() {
		t.Errorf("Unmarshal(null) = %v, want zero time", ts.Time)
	}
}

func TestWebhookMatchesMessagesCreated(t *testing.T) {
	tests := []struct {
		resource ResourceType
		event    EventType
		want     bool
	}{
		{ResourceMessages, EventCreated, true},
		{ResourceMessages, EventDeleted, false},
		{ResourceRooms, EventCreated, false},
		{ResourceMemberships, EventUpdated, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.resource, tt.event), func(t *testing.T) {
			w := Webhook{Resource: tt.resource, Event: tt.event}
			if got := w.MatchesMessagesCreated(); got != tt.want {
				t.Errorf("MatchesMessagesCreated() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlainText(t *testing.T) {
	html := `<p><spark-mention data-object-type="person">gerritbot</spark-mention> enable</p>`
	markdown := "  **status**  "
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{name: "text wins", msg: Message{Text: " help ", HTML: &html}, want: "help"},
		{name: "html fallback", msg: Message{HTML: &html}, want: "gerritbot enable"},
		{name: "markdown fallback", msg: Message{Markdown: &markdown}, want: "**status**"},
		{name: "stub", msg: Message{}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.PlainText(); got != tt.want {
				t.Errorf("PlainText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommandText(t *testing.T) {
	mention := `<p><spark-mention data-object-type="person" data-object-id="bot">Gerrit Bot</spark-mention> filter ^WIP</p>`
	plain := "<p>status</p>"
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{name: "mention dropped from group post", msg: Message{RoomType: RoomGroup, Text: "Gerrit Bot filter ^WIP", HTML: &mention}, want: "filter ^WIP"},
		{name: "html without mention", msg: Message{Text: "status", HTML: &plain}, want: "status"},
		{name: "text only", msg: Message{Text: " enable "}, want: "enable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.CommandText(); got != tt.want {
				t.Errorf("CommandText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	inner := &Error{Kind: KindTransport, Op: "DELETE webhooks/1", StatusCode: http.StatusInternalServerError}
	outer := &Error{Kind: KindWebhook, Op: "delete webhook 1", Err: inner}
	wrapped := fmt.Errorf("register webhook: %w", outer)

	if !IsKind(wrapped, KindWebhook) {
		t.Error("IsKind(KindWebhook) = false, want true")
	}
	if IsKind(wrapped, KindDecode) {
		t.Error("IsKind(KindDecode) = true, want false")
	}
	if got := StatusCode(wrapped); got != http.StatusInternalServerError {
		t.Errorf("StatusCode() = %d, want %d", got, http.StatusInternalServerError)
	}
	if got := StatusCode(errors.New("plain")); got != 0 {
		t.Errorf("StatusCode(plain) = %d, want 0", got)
	}
	if !errors.Is(wrapped, inner) {
		t.Error("errors.Is(wrapped, inner) = false, want true")
	}
}
