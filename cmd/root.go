package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Options holds the per-command flags for enroll, verify, compare and serve
type Options struct {
	InputPath      string
	Format         string
	NthFrame       int
	MatchThreshold float64
	DebugFrames    string
	MaxFrames      int
	ImagePath      string
	Capture        bool
	ListenAddr     string
}

var (
	// DB is the global database connection shared by subcommands. Nil when no db_url is configured.
	DB *store.Store
	// Cfg is the layered configuration (defaults, file, env, flags)
	Cfg *config.Config

	configPath string
	logLevel   string
	dbURL      string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "facegate",
	Short:         "Live single-reference face verification",
	Version:       Version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		// Look these up on root: reset shadows --db with a local bool.
		if rootCmd.PersistentFlags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if rootCmd.PersistentFlags().Changed("db") {
			cfg.DBURL = dbURL
		}
		if cfg.DBURL == "" {
			cfg.DBURL = postgresFromEnv()
		}
		Cfg = cfg

		if err := logger.Init(cfg.LogLevel); err != nil {
			return err
		}

		if cfg.DBURL == "" {
			return nil
		}
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), cfg.DBURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		cleanup()
	},
}

// cleanup releases the shared DB connection. PersistentPostRun is skipped when RunE fails,
// so Execute calls it again on the error path.
func cleanup() {
	if DB != nil {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and we still need to send the "Close" command to the DB.
		DB.Close(context.Background())
		DB = nil
	}
	_ = logger.Sync()
}

// postgresFromEnv builds a connection string from the POSTGRES_* variables, if present.
func postgresFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// flagChanged reports whether name (local or inherited) was set on the command line.
func flagChanged(cmd *cobra.Command, name string) bool {
	f := cmd.Flag(name)
	return f != nil && f.Changed
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cleanup()
		utils.ShowError("Command failed", err, nil)
		stop()
		os.Exit(1)
	}
}

func init() {
	// .env is optional; real environment variables take precedence
	cobra.OnInitialize(func() { _ = godotenv.Load() })

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (default: $FACEGATE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (optional; enables session history)")
}
