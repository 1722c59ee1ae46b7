package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"

	"gerritbot/gerrit"
)

// Config is read from the environment and then overridden by flags.
type Config struct {
	SparkURL        string `env:"SPARK_URL" envDefault:"https://api.ciscospark.com/v1"`
	SparkBotToken   string `env:"SPARK_BOT_TOKEN,required,notEmpty"`
	SparkWebhookURL string `env:"SPARK_WEBHOOK_URL,required,notEmpty"`
	SparkEndpoint   string `env:"SPARK_ENDPOINT" envDefault:"0.0.0.0:8888"`

	GerritHostname    string `env:"GERRIT_HOSTNAME,required,notEmpty"`
	GerritPort        int    `env:"GERRIT_PORT" envDefault:"29418"`
	GerritUsername    string `env:"GERRIT_USERNAME,required,notEmpty"`
	GerritPrivKeyPath string `env:"GERRIT_PRIV_KEY_PATH,required,notEmpty"`
	GerritKnownHosts  string `env:"GERRIT_KNOWN_HOSTS"`

	StateBucket           string `env:"STATE_BUCKET"`
	LocalStorage          string `env:"LOCAL_STORAGE"`
	StateKey              string `env:"STATE_KEY" envDefault:"state.json"`
	GoogleCredentialsJSON string `env:"GOOGLE_CREDENTIALS_JSON"`

	// BotMsgCapacity and BotMsgExpiration bound the cache that stops the
	// same notification from reaching a user twice. Zero turns it off.
	BotMsgCapacity   int           `env:"BOT_MSG_CAPACITY" envDefault:"100"`
	BotMsgExpiration time.Duration `env:"BOT_MSG_EXPIRATION" envDefault:"1h"`

	DryRun  bool `env:"DRY_RUN"`
	Verbose bool
	Quiet   bool
}

// errHelp is returned when --help was requested.
var errHelp = errors.New("help requested")

// loadConfig parses environ (nil means the process environment) and args.
func loadConfig(args []string, environ map[string]string) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{Environment: environ}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	flagSet := pflag.NewFlagSet("gerritbot", pflag.ContinueOnError)
	flagSet.BoolVarP(&cfg.Verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVarP(&cfg.Quiet, "quiet", "q", false, "log warnings and errors only")
	flagSet.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "log replies instead of sending them (DRY_RUN)")
	flagSet.StringVar(&cfg.SparkEndpoint, "spark-endpoint", cfg.SparkEndpoint, "address the webhook server listens on (SPARK_ENDPOINT)")
	flagSet.StringVar(&cfg.SparkURL, "spark-url", cfg.SparkURL, "Spark API base URL (SPARK_URL)")
	flagSet.StringVar(&cfg.LocalStorage, "local-storage", cfg.LocalStorage, "directory holding the state file (LOCAL_STORAGE)")
	flagSet.IntVar(&cfg.BotMsgCapacity, "bot-msg-capacity", cfg.BotMsgCapacity, "notifications remembered for de-duplication, 0 disables (BOT_MSG_CAPACITY)")
	flagSet.DurationVar(&cfg.BotMsgExpiration, "bot-msg-expiration", cfg.BotMsgExpiration, "how long a sent notification is remembered, 0 disables (BOT_MSG_EXPIRATION)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, errHelp
		}
		return nil, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: gerritbot [flags]\n\nFlags:\n%s", flagSet.FlagUsages())
		return nil, errHelp
	}
	if flagSet.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	if cfg.Verbose && cfg.Quiet {
		return nil, errors.New("--verbose and --quiet are mutually exclusive")
	}
	if cfg.GerritPort <= 0 || cfg.GerritPort > 65535 {
		return nil, fmt.Errorf("invalid GERRIT_PORT %d", cfg.GerritPort)
	}
	if cfg.BotMsgCapacity < 0 || cfg.BotMsgExpiration < 0 {
		return nil, errors.New("BOT_MSG_CAPACITY and BOT_MSG_EXPIRATION must not be negative")
	}
	if cfg.StateBucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
	}
	return cfg, nil
}

func (c *Config) logLevel() slog.Level {
	switch {
	case c.Verbose:
		return slog.LevelDebug
	case c.Quiet:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func (c *Config) dedupEnabled() bool {
	return c.BotMsgCapacity > 0 && c.BotMsgExpiration > 0
}

func (c *Config) gerrit(logger *slog.Logger) gerrit.Config {
	return gerrit.Config{
		Host:           c.GerritHostname,
		Port:           c.GerritPort,
		Username:       c.GerritUsername,
		PrivateKeyPath: c.GerritPrivKeyPath,
		KnownHostsPath: c.GerritKnownHosts,
		Logger:         logger,
	}
}
