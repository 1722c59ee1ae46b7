// Package client talks to the Webex Spark REST API on behalf of the bot.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gerritbot/pkg/spark"
)

// DefaultBaseURL is the public Spark API endpoint.
const DefaultBaseURL = "https://api.ciscospark.com/v1"

const defaultWebhookName = "gerritbot"

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the Spark API root. Defaults to DefaultBaseURL.
	BaseURL string
	// Token is the bot's access token.
	Token string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// WebhookName is the name given to webhook registrations.
	WebhookName string
}

// Client is an authenticated Spark client. The bot's own person id is
// resolved once in New and never changes afterwards. A Client has no
// mutable state and is safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	baseURL     string
	token       string
	webhookName string
	botID       spark.PersonID
}

// New builds a client and resolves the bot's identity via people/me.
// No client is returned if the lookup fails.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("client: token is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("client: invalid base URL %q: %w", baseURL, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	webhookName := cfg.WebhookName
	if webhookName == "" {
		webhookName = defaultWebhookName
	}

	bootstrap := &Client{
		httpClient:  httpClient,
		logger:      logger,
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       cfg.Token,
		webhookName: webhookName,
	}

	var me spark.PersonDetails
	if err := bootstrap.getJSON(ctx, "people/me", &me); err != nil {
		return nil, fmt.Errorf("resolve bot identity: %w", err)
	}
	if me.ID == "" {
		return nil, &spark.Error{Kind: spark.KindDecode, Op: "GET people/me", Err: errors.New("empty person id")}
	}

	logger.Info("Resolved bot identity", "person_id", me.ID, "display_name", me.DisplayName)

	resolved := *bootstrap
	resolved.botID = me.ID
	return &resolved, nil
}

// ID returns the bot's own person id.
func (c *Client) ID() spark.PersonID {
	return c.botID
}

// Reply sends a direct markdown message to a person.
func (c *Client) Reply(ctx context.Context, personID spark.PersonID, markdown string) error {
	c.logger.Debug("Sending message", "person_id", personID)
	body := struct {
		ToPersonID spark.PersonID `json:"toPersonId"`
		Markdown   string         `json:"markdown"`
	}{
		ToPersonID: personID,
		Markdown:   markdown,
	}
	return c.postJSON(ctx, "messages", body)
}

// GetMessage fetches a hydrated message by id.
func (c *Client) GetMessage(ctx context.Context, id spark.MessageID) (*spark.Message, error) {
	var msg spark.Message
	if err := c.getJSON(ctx, "messages/"+url.PathEscape(string(id)), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) getJSON(ctx context.Context, resource string, out any) error {
	op := "GET " + resource
	body, err := c.do(ctx, http.MethodGet, resource, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &spark.Error{Kind: spark.KindDecode, Op: op, Err: err}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, resource string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &spark.Error{Kind: spark.KindDecode, Op: "POST " + resource, Err: err}
	}
	_, err = c.do(ctx, http.MethodPost, resource, data)
	return err
}

func (c *Client) delete(ctx context.Context, resource string) error {
	_, err := c.do(ctx, http.MethodDelete, resource, nil)
	return err
}

// do performs one authenticated request and returns the response body.
// Any non-2xx status becomes a transport error carrying the status.
func (c *Client) do(ctx context.Context, method, resource string, payload []byte) ([]byte, error) {
	op := method + " " + resource

	var reqBody io.Reader = http.NoBody
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+resource, reqBody)
	if err != nil {
		return nil, &spark.Error{Kind: spark.KindTransport, Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("Spark API request failed", "op", op, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, &spark.Error{Kind: spark.KindTransport, Op: op, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("Spark API request completed",
		"op", op,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	body, err := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &spark.Error{Kind: spark.KindTransport, Op: op, StatusCode: resp.StatusCode, Err: apiMessage(body)}
	}
	if err != nil {
		return nil, &spark.Error{Kind: spark.KindTransport, Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

// apiMessage extracts the human-readable message Spark puts in error
// bodies, if any.
func apiMessage(body []byte) error {
	var apiErr struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return errors.New(apiErr.Message)
	}
	return nil
}
