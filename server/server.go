// Package server receives Spark webhook posts and exposes them as a stream.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"gerritbot/pkg/spark"
)

// defaultMaxBodyBytes caps webhook payloads. Spark envelopes are a few KB.
const defaultMaxBodyBytes = 1 << 20

// Server accepts webhook posts on "/" and forwards decoded envelopes on a
// channel of capacity 1. A full channel blocks the goroutine handling that
// request, not the listener.
type Server struct {
	logger       *slog.Logger
	messages     chan spark.WebhookMessage
	done         chan struct{}
	addr         string
	maxBodyBytes int64
}

// Config holds server configuration.
type Config struct {
	// Addr is the listen address, e.g. "0.0.0.0:8888".
	Addr   string
	Logger *slog.Logger
	// MaxBodyBytes caps request bodies. Zero selects 1 MiB.
	MaxBodyBytes int64
}

// New creates a webhook server. Nothing is received until ListenAndServe runs.
func New(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Server{
		logger:       logger,
		messages:     make(chan spark.WebhookMessage, 1),
		done:         make(chan struct{}),
		addr:         cfg.Addr,
		maxBodyBytes: maxBody,
	}
}

// Messages returns the stream of decoded webhook posts.
func (s *Server) Messages() <-chan spark.WebhookMessage {
	return s.messages
}

// ListenAndServe binds the listen address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves webhook requests on listener until ctx is done. Forwarding
// goroutines still blocked on the channel are released when Serve returns.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Listening to Spark", "addr", listener.Addr().String())
		errc <- server.Serve(listener)
	}()

	select {
	case err := <-errc:
		close(s.done)
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := server.Shutdown(shutdownCtx)
	close(s.done)
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook server: %w", err)
	}
	if err != nil {
		return fmt.Errorf("shutdown webhook server: %w", err)
	}
	return nil
}

// ServeHTTP validates one webhook request and hands its body to a
// goroutine that decodes and forwards it. The response never waits for
// the decode.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if status, reject := rejectRequest(r); reject {
		s.logger.Warn("Rejecting webhook request",
			"status_code", status,
			"method", r.Method,
			"path", r.URL.Path,
			"content_type", r.Header.Get("Content-Type"))
		w.WriteHeader(status)
		return
	}

	deliveryID := uuid.NewString()

	// The body must be read before the handler returns; net/http closes it
	// afterwards.
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodyBytes))
	if err != nil {
		s.logger.Error("Failed to read webhook body", "delivery_id", deliveryID, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	s.logger.Debug("Webhook request accepted", "delivery_id", deliveryID, "body_bytes", len(body))
	go s.forward(deliveryID, body)

	w.WriteHeader(http.StatusOK)
}

// forward decodes one post and pushes it into the channel.
func (s *Server) forward(deliveryID string, body []byte) {
	post, err := decodePost(body)
	if err != nil {
		s.logger.Error("Failed to decode post body", "delivery_id", deliveryID, "error", err)
		return
	}

	select {
	case s.messages <- *post:
		s.logger.Debug("Webhook post forwarded",
			"delivery_id", deliveryID,
			"message_id", post.Data.ID,
			"person_id", post.Data.PersonID)
	case <-s.done:
		s.logger.Warn("Dropping webhook post, server stopped", "delivery_id", deliveryID, "message_id", post.Data.ID)
	}
}

// rejectRequest returns the status for requests the webhook does not accept.
func rejectRequest(r *http.Request) (int, bool) {
	// The whole target is compared so "/?x=1" is not the webhook either.
	if r.URL.RequestURI() != "/" {
		return http.StatusNotFound, true
	}
	if r.Method != http.MethodPost {
		return http.StatusMethodNotAllowed, true
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return http.StatusUnsupportedMediaType, true
	}
	return 0, false
}

func decodePost(body []byte) (*spark.WebhookMessage, error) {
	var post spark.WebhookMessage
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&post); err != nil {
		return nil, &spark.Error{Kind: spark.KindDecode, Op: "decode webhook post", Err: err}
	}
	return &post, nil
}
