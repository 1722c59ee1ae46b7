package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"gerritbot/pkg/spark"
)

// ListWebhooks returns all webhooks registered by the bot.
func (c *Client) ListWebhooks(ctx context.Context) (*spark.Webhooks, error) {
	var webhooks spark.Webhooks
	if err := c.getJSON(ctx, "webhooks", &webhooks); err != nil {
		return nil, err
	}
	return &webhooks, nil
}

// AddWebhook registers a messages/created webhook pointing at targetURL.
func (c *Client) AddWebhook(ctx context.Context, targetURL string) error {
	registration := spark.WebhookRegistration{
		Name:      c.webhookName,
		TargetURL: targetURL,
		Resource:  spark.ResourceMessages,
		Event:     spark.EventCreated,
	}
	c.logger.Debug("Adding webhook", "name", registration.Name, "target_url", targetURL)

	if err := c.postJSON(ctx, "webhooks", registration); err != nil {
		return &spark.Error{Kind: spark.KindWebhook, Op: "add webhook", Err: err}
	}

	c.logger.Debug("Added webhook", "target_url", targetURL)
	return nil
}

// DeleteWebhook removes a webhook. A webhook that is already gone counts
// as deleted.
func (c *Client) DeleteWebhook(ctx context.Context, id spark.WebhookID) error {
	err := c.delete(ctx, "webhooks/"+url.PathEscape(string(id)))
	if err != nil {
		switch spark.StatusCode(err) {
		case http.StatusNotFound, http.StatusNoContent:
			c.logger.Debug("Webhook already deleted", "webhook_id", id)
			return nil
		}
		return &spark.Error{Kind: spark.KindWebhook, Op: "delete webhook " + string(id), Err: err}
	}

	c.logger.Debug("Deleted webhook", "webhook_id", id)
	return nil
}

// RegisterWebhook converges Spark to exactly one messages/created webhook
// pointing at targetURL: every existing messages/created webhook is deleted
// first, then a fresh one is added. A failed deletion aborts before the add,
// so a partial failure leaves fewer webhooks, never duplicates.
//
// The list, delete and add calls are not atomic. Another process
// registering webhooks for the same bot concurrently can briefly leave zero
// or two subscriptions.
func (c *Client) RegisterWebhook(ctx context.Context, targetURL string) error {
	webhooks, err := c.ListWebhooks(ctx)
	if err != nil {
		return &spark.Error{Kind: spark.KindWebhook, Op: "list webhooks", Err: err}
	}

	for _, webhook := range webhooks.Items {
		if !webhook.MatchesMessagesCreated() {
			continue
		}
		c.logger.Debug("Removing webhook from Spark", "webhook_id", webhook.ID, "target_url", webhook.TargetURL)
		if err := c.DeleteWebhook(ctx, webhook.ID); err != nil {
			return fmt.Errorf("register webhook: %w", err)
		}
	}

	if err := c.AddWebhook(ctx, targetURL); err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}

	c.logger.Info("Webhook registered", "target_url", targetURL)
	return nil
}
