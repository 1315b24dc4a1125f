package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - Offline-first session and sync agent",
	Long: `Burrow is a client-side engine that keeps a local, durable copy of
your session, cached entities, and pending mutations, and reconciles
them with the backing API whenever the network allows it.

Mutations apply locally first and are delivered in order once online.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("api-url", "http://127.0.0.1:8080", "Base URL of the backing API")
	rootCmd.PersistentFlags().String("data-dir", defaultDataDir(), "Data directory for durable state")
	rootCmd.PersistentFlags().String("listen-addr", "127.0.0.1:9464", "Address for metrics and health endpoints")
	rootCmd.PersistentFlags().Int("sync-interval", 30, "Seconds between background sync cycles")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the burrow agent",
	Long: `Run the burrow agent: restore the persisted session, start the
background synchronizer, and serve metrics and health endpoints until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := engineFromCommand(cmd)
		if err != nil {
			return err
		}
		defer engine.Close()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("storage", !engine.Store.Degraded(), storageMessage(engine.Store.Degraded()))
		metrics.RegisterComponent("session", false, "no session")
		metrics.RegisterComponent("syncer", true, "idle")

		if sess, ok := engine.Session.Restore(); ok {
			metrics.UpdateComponent("session", true, "session restored")
			logger := log.WithUserID(sess.UserID)
			logger.Info().Msg("agent resuming persisted session")
			engine.Session.ScheduleRefresh(sess.TokenExpiresAt)
		} else {
			fmt.Println("No active session. Run 'burrow login' first; the agent will")
			fmt.Println("deliver any queued mutations once a session exists.")
		}

		// Surface engine events in the log; a host UI would subscribe
		// the same way
		sub := engine.Broker.Subscribe()
		go logEvents(sub)

		engine.Sync.Start()
		defer engine.Sync.Stop()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		srv := &http.Server{Addr: engine.Config.ListenAddr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		fmt.Printf("Burrow agent running (metrics on %s). Press Ctrl+C to stop.\n",
			engine.Config.ListenAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

// logEvents mirrors broker events into the structured log and keeps
// the health components current.
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for event := range sub {
		switch event.Type {
		case events.EventSessionExpiring:
			logger.Warn().Int64("remaining_ms", event.RemainingMs).Msg(string(event.Type))
		case events.EventSessionExpired, events.EventSessionDestroyed:
			metrics.UpdateComponent("session", false, "no session")
			logger.Info().Str("reason", event.Reason).Msg(string(event.Type))
		case events.EventSessionRefreshed:
			logger.Info().Msg(string(event.Type))
		case events.EventSyncStatusChanged:
			metrics.UpdateComponent("syncer", true, string(event.Connectivity))
			logger.Info().Str("connectivity", string(event.Connectivity)).Msg(string(event.Type))
		case events.EventMutationRolledBack, events.EventMutationFailed:
			logger.Warn().Str("action_id", event.ActionID).Str("reason", event.Reason).
				Msg(string(event.Type))
		case events.EventStorageDegraded:
			metrics.UpdateComponent("storage", false, "memory fallback")
			logger.Warn().Msg(string(event.Type))
		default:
			logger.Debug().Msg(string(event.Type))
		}
	}
}

var loginCmd = &cobra.Command{
	Use:   "login EMAIL",
	Short: "Authenticate and persist a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		password, _ := cmd.Flags().GetString("password")
		remember, _ := cmd.Flags().GetBool("remember")
		if password == "" {
			return fmt.Errorf("--password is required")
		}

		engine, err := engineFromCommand(cmd)
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := engine.Client.Login(ctx, email, password)
		if err != nil {
			return fmt.Errorf("login failed: %v", err)
		}

		now := time.Now()
		if err := engine.Session.Begin(&types.Session{
			UserID:         result.UserID,
			AccessToken:    result.AccessToken,
			TokenExpiresAt: result.ExpiresAt,
			LastActivityAt: now,
			RememberMe:     remember,
		}); err != nil {
			return fmt.Errorf("failed to begin session: %v", err)
		}

		fmt.Printf("✓ Logged in as %s\n", result.UserID)
		if !remember {
			fmt.Println("Session will not survive a restart (--remember not set)")
		}
		if pending := engine.Queue.Len(); pending > 0 {
			fmt.Printf("%d queued mutation(s) will be delivered on the next sync\n", pending)
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Destroy the persisted session",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := engineFromCommand(cmd)
		if err != nil {
			return err
		}
		defer engine.Close()

		if _, ok := engine.Session.Restore(); !ok {
			fmt.Println("No active session")
			return nil
		}
		engine.Session.Destroy(types.DestroyLogout)
		fmt.Println("✓ Logged out")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session, queue, and storage status",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := engineFromCommand(cmd)
		if err != nil {
			return err
		}
		defer engine.Close()

		storageState := "durable"
		if engine.Store.Degraded() {
			storageState = "degraded (memory only)"
		}
		fmt.Printf("Storage:       %s\n", storageState)
		fmt.Printf("Cached:        %d record(s)\n", engine.Cache.Len())

		if sess, ok := engine.Session.Restore(); ok {
			fmt.Printf("Session:       active (user %s)\n", sess.UserID)
			fmt.Printf("Token expires: %s\n", sess.TokenExpiresAt.Format(time.RFC3339))
			fmt.Printf("Idle expiry:   %s\n",
				sess.ExpiresAt(engine.Session.IdleWindow()).Format(time.RFC3339))
		} else {
			fmt.Println("Session:       none")
		}

		pending, err := engine.Queue.Pending()
		if err != nil {
			return fmt.Errorf("failed to read queue: %v", err)
		}
		fmt.Printf("Queued:        %d mutation(s)\n", len(pending))
		for _, action := range pending {
			line := fmt.Sprintf("  %s %s/%s", action.Type, action.TargetType, action.TargetID)
			if action.RetryCount > 0 {
				line += fmt.Sprintf(" (retry %d, next %s)",
					action.RetryCount, action.NextAttemptAt.Format(time.RFC3339))
			}
			fmt.Println(line)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := engineFromCommand(cmd)
		if err != nil {
			return err
		}
		defer engine.Close()

		if _, ok := engine.Session.Restore(); !ok {
			return fmt.Errorf("no active session; run 'burrow login' first")
		}

		before := engine.Queue.Len()
		engine.Sync.SyncOnce()
		after := engine.Queue.Len()

		fmt.Printf("✓ Sync complete: %d delivered, %d still queued\n", before-after, after)
		return nil
	},
}

func init() {
	loginCmd.Flags().String("password", "", "Account password")
	loginCmd.Flags().Bool("remember", true, "Persist the session across restarts")
}

func storageMessage(degraded bool) string {
	if degraded {
		return "memory fallback"
	}
	return "bbolt"
}
