package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/murmurhq/feedcore/internal/cache"
	"github.com/murmurhq/feedcore/internal/config"
	"github.com/murmurhq/feedcore/internal/engine"
	"github.com/murmurhq/feedcore/internal/filters"
	"github.com/murmurhq/feedcore/internal/health"
	"github.com/murmurhq/feedcore/internal/logger"
	"github.com/murmurhq/feedcore/internal/metrics"
	"github.com/murmurhq/feedcore/internal/pool"

	"github.com/spf13/cobra"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for feedcore
var rootCmd = &cobra.Command{
	Use:   "feedcore",
	Short: "feedcore is a Nostr client engine with ranked feeds",
	Long:  `Relay pool, caching and feed ranking for Nostr clients, exposed as a CLI.`,
	Example: `
  feedcore feed --pubkey <hex> --limit 50
  feedcore timeline --pubkey <hex> --days 2
  feedcore search "nostr" --limit 20
  feedcore publish --sec <hex> "hello world"
  feedcore health`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		flags := cmd.Flags()
		if flags.Changed("log-level") {
			cfg.Logging.Level, _ = flags.GetString("log-level")
			_ = logger.UpdateLevel(cfg.Logging.Level)
		}
		if flags.Changed("metrics-port") {
			portStr, _ := flags.GetString("metrics-port")
			cfg.Metrics.Port, _ = strconv.Atoi(portStr)
		}
		if flags.Changed("relay") {
			relays, _ := flags.GetStringSlice("relay")
			cfg.Relays.Default = relays
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// session bundles the running pieces one command needs.
type session struct {
	pool    *pool.Pool
	engine  *engine.Engine
	metrics *metrics.Server
}

// newSession starts the pool, waits briefly for first connections, and
// wires the engine. signer may be nil for read-only commands.
func newSession(ctx context.Context, signer engine.Signer) (*session, error) {
	p, err := pool.New(ctx, cfg.Pool, cfg.Relays)
	if err != nil {
		return nil, err
	}

	caches := cache.NewRegistry(cfg.Cache, nil)
	eng := engine.New(cfg, p, caches, signer)

	s := &session{pool: p, engine: eng}
	if cfg.Metrics.Enabled {
		checker := health.NewChecker(p, caches, GetVersion())
		s.metrics = metrics.NewServer(cfg.Metrics.Port, checker.StatusFunc())
		s.metrics.Start()
	}

	s.waitForRelay(ctx)
	return s, nil
}

// waitForRelay blocks until at least one relay connects or a short
// deadline passes; commands then fail fast with ErrUnreachable.
func (s *session) waitForRelay(ctx context.Context) {
	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
			if s.pool.ConnectedCount() > 0 {
				return
			}
		}
	}
}

func (s *session) close() {
	s.engine.Close()
	s.pool.Close()
	if s.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.metrics.Shutdown(shutdownCtx)
	}
	_ = logger.Shutdown()
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("metrics-port", "9190", "Port for Prometheus metrics server")
	rootCmd.PersistentFlags().StringSlice("relay", nil, "Relay URLs overriding the configured defaults")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of feedcore",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	rootCmd.AddCommand(versionCmd)

	feedCmd := &cobra.Command{
		Use:   "feed",
		Short: "Print the viewer's ranked recommended feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			pubkey, _ := cmd.Flags().GetString("pubkey")
			sec, _ := cmd.Flags().GetString("sec")
			limit, _ := cmd.Flags().GetInt("limit")

			signer, err := signerFromFlags(pubkey, sec)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := newSession(ctx, signer)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.engine.Login(ctx); err != nil {
				return err
			}
			feed, err := s.engine.RecommendedFeed(ctx, limit)
			if err != nil {
				return err
			}
			printJSON(feed)
			return nil
		},
	}
	feedCmd.Flags().String("pubkey", "", "Viewer pubkey (hex) for a read-only session")
	feedCmd.Flags().String("sec", "", "Viewer secret key (hex)")
	feedCmd.Flags().Int("limit", 50, "Number of posts")
	rootCmd.AddCommand(feedCmd)

	timelineCmd := &cobra.Command{
		Use:   "timeline",
		Short: "Print recent notes and reposts from the viewer's follows",
		RunE: func(cmd *cobra.Command, args []string) error {
			pubkey, _ := cmd.Flags().GetString("pubkey")
			sec, _ := cmd.Flags().GetString("sec")
			limit, _ := cmd.Flags().GetInt("limit")
			days, _ := cmd.Flags().GetInt("days")

			signer, err := signerFromFlags(pubkey, sec)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := newSession(ctx, signer)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.engine.Login(ctx); err != nil {
				return err
			}
			snap := s.engine.Graph().Snapshot()
			authors := make([]string, 0, len(snap.Follows))
			for pk := range snap.Follows {
				authors = append(authors, pk)
			}
			events, err := s.engine.FetchTimeline(ctx, authors, filters.SinceDaysAgo(days), nil, limit)
			if err != nil {
				return err
			}
			printJSON(events)
			return nil
		},
	}
	timelineCmd.Flags().String("pubkey", "", "Viewer pubkey (hex) for a read-only session")
	timelineCmd.Flags().String("sec", "", "Viewer secret key (hex)")
	timelineCmd.Flags().Int("limit", 50, "Number of posts")
	timelineCmd.Flags().Int("days", 2, "How many days back to fetch")
	rootCmd.AddCommand(timelineCmd)

	threadCmd := &cobra.Command{
		Use:   "thread <event-id>",
		Short: "Print a note and its replies in chronological order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			ctx := cmd.Context()
			s, err := newSession(ctx, nil)
			if err != nil {
				return err
			}
			defer s.close()

			events, err := s.engine.FetchThread(ctx, args[0], limit)
			if err != nil {
				return err
			}
			printJSON(events)
			return nil
		},
	}
	threadCmd.Flags().Int("limit", 200, "Maximum number of replies")
	rootCmd.AddCommand(threadCmd)

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a full-text search across relays",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			ctx := cmd.Context()
			s, err := newSession(ctx, nil)
			if err != nil {
				return err
			}
			defer s.close()

			events, err := s.engine.Search(ctx, args[0], limit)
			if err != nil {
				return err
			}
			printJSON(events)
			return nil
		},
	}
	searchCmd.Flags().Int("limit", 20, "Number of results")
	rootCmd.AddCommand(searchCmd)

	publishCmd := &cobra.Command{
		Use:   "publish <content>",
		Short: "Sign and publish a text note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sec, _ := cmd.Flags().GetString("sec")
			if sec == "" {
				return fmt.Errorf("publish requires --sec")
			}
			signer, err := newLocalSigner(sec)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := newSession(ctx, signer)
			if err != nil {
				return err
			}
			defer s.close()

			results, err := s.engine.PublishNote(ctx, args[0], nil)
			if err != nil {
				return err
			}
			printJSON(results)
			return nil
		},
	}
	publishCmd.Flags().String("sec", "", "Secret key (hex)")
	rootCmd.AddCommand(publishCmd)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Report relay pool health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := newSession(ctx, nil)
			if err != nil {
				return err
			}
			defer s.close()

			checker := health.NewChecker(s.engine.Pool(), nil, GetVersion())
			printJSON(checker.Check())
			return nil
		},
	}
	rootCmd.AddCommand(healthCmd)
}

func signerFromFlags(pubkey, sec string) (engine.Signer, error) {
	switch {
	case sec != "":
		return newLocalSigner(sec)
	case pubkey != "":
		return &readOnlySigner{pk: pubkey}, nil
	default:
		return nil, fmt.Errorf("provide --pubkey or --sec")
	}
}
