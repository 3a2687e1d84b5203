package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/engine"
)

// rootOptions holds the persistent flags. Empty values leave the config
// file and RELAYSYNC_* environment untouched.
type rootOptions struct {
	ConfigFile   string
	BaseURL      string
	StoreDSN     string
	Token        string
	ClientID     string
	LogFile      string
	LogMaxSizeMB int
	Format       string

	logCloser io.Closer
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "relaysync",
		Short: "Offline-first sync client",
		Long: `relaysync keeps a local mirror of remote entity stores in sync.

Local edits are queued durably and replayed in order whenever the remote
is reachable, while remote changes arrive over a websocket, an SSE stream
or periodic polling, whichever the server offers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigFile, "config", "", "path to a YAML config file")
	flags.StringVar(&opts.BaseURL, "base-url", "", "remote base URL (default "+config.DefaultBaseURL+")")
	flags.StringVar(&opts.StoreDSN, "store-dsn", "", "local store DSN (default "+config.DefaultStoreDSN+")")
	flags.StringVar(&opts.Token, "token", "", "bearer token")
	flags.StringVar(&opts.ClientID, "client-id", "", "stable client id (random when unset)")
	flags.StringVar(&opts.LogFile, "log-file", "", "write logs to a rotated file instead of stderr")
	flags.IntVar(&opts.LogMaxSizeMB, "log-max-size-mb", 0, "rotate the log file after this many megabytes")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newEnqueueCommand(opts))
	cmd.AddCommand(newPendingCommand(opts))
	cmd.AddCommand(newDeadLetterCommand(opts))
	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig layers flags over the config file and environment.
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Read(o.ConfigFile)
	if err != nil {
		return config.Config{}, err
	}
	if v := strings.TrimSpace(o.BaseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := strings.TrimSpace(o.StoreDSN); v != "" {
		cfg.StoreDSN = v
	}
	if v := strings.TrimSpace(o.Token); v != "" {
		cfg.Token = v
		cfg.TokenFile = ""
	}
	if v := strings.TrimSpace(o.ClientID); v != "" {
		cfg.ClientID = v
	}
	if v := strings.TrimSpace(o.LogFile); v != "" {
		cfg.Log.File = v
	}
	if o.LogMaxSizeMB > 0 {
		cfg.Log.MaxSizeMB = o.LogMaxSizeMB
	}
	if err := cfg.Normalize(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// setupLogging redirects the standard logger to a rotated file when one is
// configured.
func (o *rootOptions) setupLogging(cfg config.Config) {
	if strings.TrimSpace(cfg.Log.File) == "" {
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
	}
	log.SetOutput(rotator)
	o.logCloser = rotator
}

// openEngine loads the config and builds an engine that is not yet started.
func (o *rootOptions) openEngine(ctx context.Context) (*engine.Engine, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	o.setupLogging(cfg)
	eng, err := engine.New(ctx, engine.Options{Config: cfg, Logger: log.Default()})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	return eng, nil
}
