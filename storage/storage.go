// Package storage persists the bot state.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"

	"gerritbot/bot"
	"gerritbot/pkg/spark"
)

// DefaultKey is the object name of the state document.
const DefaultKey = "state.json"

// Store reads and writes the state document in a local directory or a
// Cloud Storage bucket.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	key       string
}

// New creates a new state store. When localPath is set the bucket and
// client are ignored.
func New(client *storage.Client, bucket string, localPath string, key string, logger *slog.Logger) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		key:       key,
	}
}

// Key returns the object name of the state document.
func (s *Store) Key() string {
	return s.key
}

// validKey rejects names that would escape the storage directory.
func validKey(key string) bool {
	return key != "" && key != "." && key != ".." &&
		!strings.ContainsAny(key, `/\`) && filepath.Base(key) == key
}

func ioError(op string, err error) error {
	return &spark.Error{Kind: spark.KindIO, Op: op, Err: err}
}

// Save writes state.
func (s *Store) Save(ctx context.Context, state *bot.State) error {
	if !validKey(s.key) {
		return ioError("save state", fmt.Errorf("invalid key %q", s.key))
	}
	s.logger.Debug("Saving state", "key", s.key, "users", state.NumUsers())

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return ioError("save state", fmt.Errorf("marshal state: %w", err))
	}

	if s.localPath != "" {
		path, err := s.writeLocal(data)
		if err != nil {
			return ioError("save state", err)
		}
		s.logger.Info("State saved to local storage", "path", path, "users", state.NumUsers())
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(s.key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", s.key, "error", retryErr)
		}),
	)
	if err != nil {
		return ioError("save state", fmt.Errorf("save after retries: %w", err))
	}

	s.logger.Info("State saved", "bucket", s.bucket, "key", s.key, "users", state.NumUsers())
	return nil
}

// writeLocal replaces the state file through a rename so a crash never
// leaves a truncated document behind.
func (s *Store) writeLocal(data []byte) (string, error) {
	if err := os.MkdirAll(s.localPath, 0o700); err != nil {
		return "", fmt.Errorf("create local storage: %w", err)
	}
	path := filepath.Join(s.localPath, s.key)

	tmp, err := os.CreateTemp(s.localPath, s.key+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write to local storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("replace state file: %w", err)
	}
	return path, nil
}

// Load reads the state. A missing document is reported with an error
// IsNotFound recognizes.
func (s *Store) Load(ctx context.Context) (*bot.State, error) {
	if !validKey(s.key) {
		return nil, ioError("load state", fmt.Errorf("invalid key %q", s.key))
	}

	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, s.key))
		if err != nil {
			return nil, ioError("load state", fmt.Errorf("read from local storage: %w", err))
		}
	} else {
		var readData []byte
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(s.key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				readData, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", s.key, "error", retryErr)
			}),
		)
		if err != nil {
			return nil, ioError("load state", fmt.Errorf("load after retries: %w", err))
		}
		data = readData
	}

	state := bot.NewState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, ioError("load state", fmt.Errorf("unmarshal state: %w", err))
	}
	if state.Users == nil {
		state.Users = []*bot.User{}
	}
	return state, nil
}

// IsNotFound reports whether err means no state has been saved yet.
func IsNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, storage.ErrObjectNotExist)
}
