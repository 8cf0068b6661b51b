package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/RedditDigest/internal/collect"
	"github.com/TobiSchelling/RedditDigest/internal/compose"
	"github.com/TobiSchelling/RedditDigest/internal/config"
	"github.com/TobiSchelling/RedditDigest/internal/database"
	"github.com/TobiSchelling/RedditDigest/internal/llm"
	"github.com/TobiSchelling/RedditDigest/internal/logging"
	"github.com/TobiSchelling/RedditDigest/internal/mail"
	"github.com/TobiSchelling/RedditDigest/internal/metrics"
	"github.com/TobiSchelling/RedditDigest/internal/pipeline"
	"github.com/TobiSchelling/RedditDigest/internal/runlock"
	"github.com/TobiSchelling/RedditDigest/internal/scheduler"
	"github.com/TobiSchelling/RedditDigest/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     logging.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "redditdigest",
	Short:        "Daily email digest of popular Reddit posts",
	Long:         "redditdigest fetches hot posts from your communities, drops the ones already sent, and emails the best of the rest.",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logging.New("info", "text")
		if verbose {
			logger.SetLevel(logging.ParseLevel("debug"))
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		config.LoadEnv(logger)
		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if verbose {
			logger.SetLevel(logging.ParseLevel("debug"))
		}
		logger.WithField("config", path).Debug("Loaded configuration")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(testConnectionsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(previewCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("redditdigest", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/redditdigest/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to set your communities, SMTP server and recipients.")
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Check the configuration and print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print(cfg.Summary())
		if err := cfg.Validate(); err != nil {
			fmt.Println("\nConfiguration problems:")
			for _, line := range strings.Split(err.Error(), "\n") {
				fmt.Printf("  - %s\n", line)
			}
			return errors.New("configuration is invalid")
		}
		fmt.Println("\nConfiguration is valid.")
		return nil
	},
}

// --- test-connections command ---

var testConnectionsCmd = &cobra.Command{
	Use:   "test-connections",
	Short: "Check the database, Reddit, SMTP and LLM connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		var failed []string
		check := func(name string, fn func() (string, error)) {
			detail, err := fn()
			if err != nil {
				fmt.Printf("  %-10s FAILED  %v\n", name, err)
				failed = append(failed, name)
				return
			}
			fmt.Printf("  %-10s ok      %s\n", name, detail)
		}

		fmt.Println("Testing connections:")
		check("database", func() (string, error) {
			db, err := openDB()
			if err != nil {
				return "", err
			}
			defer db.Close()
			if err := db.Ping(ctx); err != nil {
				return "", err
			}
			n, err := db.CountItems(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s, %d items stored", db.Driver(), n), nil
		})
		check("reddit", func() (string, error) {
			reddit := collect.NewRedditClient(cfg.Reddit, cfg.Digest.ExcerptChars, logger)
			sub := "popular"
			if len(cfg.Reddit.Subreddits) > 0 {
				sub = cfg.Reddit.Subreddits[0]
			}
			if _, err := reddit.Hot(ctx, sub, 1); err != nil {
				return "", err
			}
			mode := "anonymous"
			if reddit.IsAuthenticated() {
				mode = "oauth"
			}
			return fmt.Sprintf("r/%s reachable (%s)", sub, mode), nil
		})
		check("smtp", func() (string, error) {
			if cfg.Email.SMTPHost == "" {
				return "", errors.New("email.smtp_host is not set")
			}
			if err := mail.NewSMTPSender(mail.ConfigFrom(cfg)).Check(ctx); err != nil {
				return "", err
			}
			return net.JoinHostPort(cfg.Email.SMTPHost, strconv.Itoa(cfg.Email.SMTPPort)), nil
		})
		check("llm", func() (string, error) {
			if llm.Disabled(cfg.Enrichment) {
				return "disabled", nil
			}
			provider := llm.CreateProvider(ctx, cfg.Enrichment, logger)
			if provider == nil {
				return "", errors.New("no provider is reachable; digests will be sent without summaries")
			}
			return provider.Name(), nil
		})
		if cfg.Redis.Addr != "" {
			check("redis", func() (string, error) {
				_, closeLock, err := runlock.New(ctx, cfg, logger)
				if err != nil {
					return "", err
				}
				_ = closeLock()
				return cfg.Redis.Addr, nil
			})
		}

		if len(failed) > 0 {
			return fmt.Errorf("%d connection(s) failed: %s", len(failed), strings.Join(failed, ", "))
		}
		return nil
	},
}

// --- run command ---

var dryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the digest once: fetch -> filter -> select -> enrich -> send -> record",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !dryRun {
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		lock, closeLock, err := runlock.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeLock()

		pipe := pipeline.FromConfig(ctx, cfg, db, lock, nil, logger)

		var result *pipeline.Result
		if dryRun {
			result, err = pipe.DryRun(ctx)
		} else {
			result, err = pipe.Run(ctx)
		}
		if result != nil {
			printSteps(result)
		}
		if err != nil {
			return err
		}

		if dryRun {
			fmt.Println("\nWould send:")
			for i, it := range result.Selected {
				fmt.Printf("  %2d. [%d] %s (%s)\n", i+1, it.Score, it.Title, it.Source())
			}
			return nil
		}
		fmt.Printf("\nRun %s complete.\n", result.RunID)
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Fetch and select without sending or recording")
}

func printSteps(result *pipeline.Result) {
	for i, step := range result.Steps {
		fmt.Printf("\nStep %d: %s\n", i+1, step.Name)
		if step.Err != nil {
			fmt.Printf("  Error: %v\n", step.Err)
		} else {
			fmt.Printf("  %s\n", step.Summary)
		}
	}
}

// --- schedule command ---

var scheduleServe bool

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the digest on the configured schedule until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		lock, closeLock, err := runlock.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeLock()

		m := metrics.New()
		pipe := pipeline.FromConfig(ctx, cfg, db, lock, m, logger)

		sched, err := scheduler.New(cfg.Schedule, func(ctx context.Context) {
			if _, err := pipe.Run(ctx); err != nil && !errors.Is(err, pipeline.ErrRunInProgress) {
				logger.WithError(err).Warn("Scheduled run did not succeed")
			}
		}, logger)
		if err != nil {
			return err
		}

		serverErr := make(chan error, 1)
		if scheduleServe {
			srv, err := newServer(db, pipe, m)
			if err != nil {
				return err
			}
			go func() { serverErr <- server.Serve(ctx, serverAddr(), srv.Handler(), logger) }()
		}

		sched.Start(cfg.Schedule.RunOnStart)
		fmt.Printf("Scheduled with %q; next run at %s\n", sched.Spec(), sched.Next(time.Now()).Format("2006-01-02 15:04 MST"))
		fmt.Println("Press Ctrl+C to stop")

		select {
		case <-ctx.Done():
		case err := <-serverErr:
			if err != nil {
				logger.WithError(err).Error("Server stopped unexpectedly")
			}
			stop()
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return sched.Stop(stopCtx)
	},
}

func init() {
	scheduleCmd.Flags().BoolVar(&scheduleServe, "serve", false, "Also run the HTTP server")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web dashboard and API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		lock, closeLock, err := runlock.New(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeLock()

		m := metrics.New()
		srv, err := newServer(db, pipeline.FromConfig(ctx, cfg, db, lock, m, logger), m)
		if err != nil {
			return err
		}

		fmt.Printf("Starting server at http://%s\n", serverAddr())
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, serverAddr(), srv.Handler(), logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

func newServer(db *database.DB, runner server.Runner, m *metrics.Metrics) (*server.Server, error) {
	return server.New(db, server.Options{
		Title:      cfg.Digest.Title,
		EditorName: cfg.Digest.EditorName,
		MaxCount:   cfg.Digest.MaxCount,
		Runner:     runner,
		Metrics:    m,
		Log:        logger,
	})
}

func serverAddr() string {
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
}

// --- status command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show delivery and item statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context(), time.Now())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Println("Deliveries:")
		fmt.Printf("  Total: %d\n", stats.TotalDeliveries)
		fmt.Printf("  Successful: %d\n", stats.SuccessfulDeliveries)
		fmt.Printf("  Failed: %d\n", stats.FailedDeliveries)
		fmt.Printf("  Success rate: %.1f%%\n", stats.SuccessRate)
		fmt.Printf("  Days with deliveries: %d\n", stats.DaysWithDeliveries)
		fmt.Println("\nPosts:")
		fmt.Printf("  Total sent: %d\n", stats.TotalItems)
		fmt.Printf("  Sent in the last 7 days: %d\n", stats.ItemsLastWeek)

		if last := stats.LastDelivery; last != nil {
			fmt.Println("\nLast delivery:")
			fmt.Printf("  %s  %s\n", last.SentAt.Local().Format("2006-01-02 15:04"), describeDelivery(*last))
		}
		return nil
	},
}

// --- history command ---

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent delivery records, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		records, err := db.RecentHistory(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No digests have been sent yet. Send one with: redditdigest run")
			return nil
		}

		for _, r := range records {
			fmt.Printf("  [%d] %s  %s\n", r.ID, r.SentAt.Local().Format("2006-01-02 15:04"), describeDelivery(r))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of records to show")
}

func describeDelivery(r database.DeliveryRecord) string {
	var b strings.Builder
	if r.Success {
		fmt.Fprintf(&b, "sent %d posts to %d recipients", r.ItemCount, len(r.Recipients))
	} else {
		b.WriteString("FAILED")
		if r.ErrorDetail != nil {
			b.WriteString(": " + *r.ErrorDetail)
		}
	}
	if r.Degraded {
		b.WriteString(" (degraded)")
	}
	return b.String()
}

// --- cleanup command ---

var (
	cleanupDays int
	cleanupAll  bool
	cleanupYes  bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete stored posts and delivery records past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		var result database.CleanupResult
		if cleanupAll {
			if !cleanupYes && !confirm("Delete ALL stored posts and delivery history? Previously sent posts may be sent again [y/N]: ") {
				return fmt.Errorf("aborted")
			}
			result, err = db.ClearAll(cmd.Context())
		} else {
			days := cleanupDays
			if days <= 0 {
				days = cfg.Digest.RetentionDays
			}
			result, err = db.Cleanup(cmd.Context(), time.Now().AddDate(0, 0, -days))
		}
		if err != nil {
			return err
		}

		fmt.Printf("Removed %d posts and %d delivery records.\n", result.Items, result.Deliveries)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "Keep this many days (default: digest.retention_days)")
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Delete everything")
	cleanupCmd.Flags().BoolVarP(&cleanupYes, "yes", "y", false, "Do not ask for confirmation")
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}

// --- preview command ---

var (
	previewOut  string
	previewDays int
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Render a digest from recently sent posts without sending it",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		items, err := db.RecentItems(cmd.Context(), time.Now().AddDate(0, 0, -previewDays), cfg.Digest.MaxCount)
		if err != nil {
			return err
		}
		// Re-rank by score, as a real digest would be.
		sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })

		var note *string
		if last, err := db.LastDelivery(cmd.Context()); err == nil && last != nil {
			note = last.EditorNote
		}
		issue := compose.New(cfg.Digest.Title, cfg.Digest.EditorName, time.Now(), note, items)

		if previewOut == "" {
			fmt.Print(issue.Text())
			return nil
		}
		html, err := issue.HTML()
		if err != nil {
			return err
		}
		if err := os.WriteFile(previewOut, []byte(html), 0o644); err != nil {
			return fmt.Errorf("writing preview: %w", err)
		}
		fmt.Printf("Wrote %d posts to %s\n", len(items), previewOut)
		return nil
	},
}

func init() {
	previewCmd.Flags().StringVarP(&previewOut, "out", "o", "", "Write the HTML email to this file instead of printing text")
	previewCmd.Flags().IntVar(&previewDays, "days", 7, "Use posts sent in the last N days")
}

func openDB() (*database.DB, error) {
	return database.Open(cfg.Database.Driver, cfg.DatabaseDSN(), cfg.Database.MaxOpenConns)
}
