package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"ticketbridge/internal/config"
	"ticketbridge/internal/store"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "ticketbridge",
		Short: "WhatsApp bridge for the ticketing system",
		Long: `ticketbridge keeps a WhatsApp Web session open, forwards incoming chat
messages to the ticketing backend and exposes POST /send so the backend can
reply to contacts.`,
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.ticketbridge/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())

	daemon := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the ticketbridge background service",
	}
	daemon.AddCommand(installDaemonCmd())
	daemon.AddCommand(uninstallDaemonCmd())
	root.AddCommand(daemon)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file, falling back to defaults plus
// environment overrides when the file does not exist.
func loadConfig() (*config.Config, string, error) {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(config.ExpandPath(cfgPath)); os.IsNotExist(err) {
		logger.Warn("config not found, using defaults", "path", cfgPath)
		cfg, err := config.FromEnv()
		return cfg, cfgPath, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config: %w", err)
	}
	return cfg, cfgPath, nil
}

// newLogger builds the process logger from general.logLevel, teeing to
// general.logFile when set. The returned closer releases the file.
func newLogger(cfg config.GeneralConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = io.MultiWriter(os.Stderr, f), f
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closer, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			profileDir := config.ExpandPath(cfg.Session.ProfileDir)
			if err := os.MkdirAll(profileDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "profile", profileDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session state of a running bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			host := cfg.Gateway.Host
			if host == "" || host == "0.0.0.0" {
				host = "127.0.0.1"
			}
			url := fmt.Sprintf("http://%s:%d/status", host, cfg.Gateway.Port)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("bridge not reachable at %s: %w", url, err)
			}
			defer resp.Body.Close()

			var status map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			data, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var (
		limit     int
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent delivery outcomes",
		Long:  "Lists the newest outbound sends and inbound relays recorded in the delivery log.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("delivery log: %w", err)
			}
			defer st.Close()

			ctx := context.Background()
			if olderThan > 0 {
				n, err := st.Prune(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				logger.Info("pruned delivery log", "removed", n, "older_than", olderThan)
				return nil
			}

			recs, err := st.Recent(ctx, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tDIRECTION\tCONTACT\tSTATUS\tATTEMPTS\tERROR")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.CreatedAt.Local().Format(time.DateTime), r.Direction, r.Contact, r.Status, r.Attempts, r.Error)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")
	cmd.Flags().DurationVar(&olderThan, "prune", 0, "delete records older than this duration instead of listing")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View configuration",
		Long:  "Inspect the effective configuration, after environment overrides.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. delivery.maxAttempts)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List all config values as path = value lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if asJSON {
				data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
				fmt.Println(string(data))
				return nil
			}
			return writeConfigPaths(os.Stdout, cfg)
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "print the nested JSON document instead")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

// writeConfigPaths prints one "path = value" line per setting, sorted by
// path, with secrets masked.
func writeConfigPaths(w io.Writer, cfg *config.Config) error {
	paths := config.ListPaths(config.Sanitize(cfg))
	for _, path := range slices.Sorted(maps.Keys(paths)) {
		val, _ := json.Marshal(paths[path])
		if _, err := fmt.Fprintf(w, "%s = %s\n", path, val); err != nil {
			return err
		}
	}
	return nil
}
