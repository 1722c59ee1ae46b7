package gerrit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultPort is Gerrit's SSH port.
const DefaultPort = 29418

// Config describes the SSH connection to Gerrit.
type Config struct {
	Host           string
	Port           int
	Username       string
	PrivateKeyPath string
	// KnownHostsPath enables host key verification. When empty the host
	// key is not checked.
	KnownHostsPath string
	Logger         *slog.Logger
}

// Stream connects to Gerrit and runs "gerrit stream-events". Events arrive
// on the first channel. When the stream ends, for any reason, exactly one
// error is sent on the second channel and both channels stop producing.
func Stream(ctx context.Context, cfg Config) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errc := make(chan error, 1)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	go func() {
		errc <- stream(ctx, cfg, events, logger)
	}()
	return events, errc
}

func stream(ctx context.Context, cfg Config, events chan<- Event, logger *slog.Logger) error {
	clientConfig, err := sshConfig(cfg, logger)
	if err != nil {
		return err
	}

	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	// A rejected host key will not fix itself; remember it to stop retrying.
	var (
		mu         sync.Mutex
		hostKeyErr error
	)
	verify := clientConfig.HostKeyCallback
	clientConfig.HostKeyCallback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		mu.Lock()
		hostKeyErr = err
		mu.Unlock()
		return err
	}

	var client *ssh.Client
	err = retry.Do(
		func() error {
			logger.Info("Connecting to Gerrit", "addr", addr, "username", cfg.Username)
			var dialErr error
			client, dialErr = ssh.Dial("tcp", addr, clientConfig)
			if dialErr != nil {
				mu.Lock()
				keyErr := hostKeyErr
				mu.Unlock()
				if keyErr != nil {
					return retry.Unrecoverable(fmt.Errorf("verify host key: %w", keyErr))
				}
				return dialErr
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying Gerrit connection after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to gerrit %s: %w", addr, err)
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.Debug("Failed to close gerrit connection", "error", closeErr)
		}
	}()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open gerrit session: %w", err)
	}
	defer func() {
		_ = session.Close()
	}()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("gerrit stdout: %w", err)
	}
	if err := session.Start("gerrit stream-events"); err != nil {
		return fmt.Errorf("start gerrit stream-events: %w", err)
	}
	logger.Info("Listening to Gerrit events", "addr", addr)

	// Closing the client unblocks the reader when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	err = Read(ctx, stdout, events, logger)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func sshConfig(cfg Config, logger *slog.Logger) (*ssh.ClientConfig, error) {
	keyData, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read gerrit private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse gerrit private key %s: %w", cfg.PrivateKeyPath, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	} else {
		logger.Warn("Gerrit host key verification disabled, set GERRIT_KNOWN_HOSTS to enable")
	}

	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}, nil
}
