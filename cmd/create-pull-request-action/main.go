package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rancher/create-pull-request-action/internal/app"
)

var flags struct {
	envFile  string
	path     string
	dryRun   bool
	logLevel string
}

var rootCmd = &cobra.Command{
	Use:   "create-pull-request-action",
	Short: "Commit workspace changes to a working branch and open a pull request",
	Long: `create-pull-request-action reconciles a working branch with the changes in a checkout,
pushes it and creates or updates the matching pull request. Inputs are read from INPUT_* environment
variables; a local .env file and the flags below can supply or override them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PreRunE:       loadEnvironment,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&flags.envFile, "env-file", ".env", "Optional dotenv file loaded before reading inputs")
	rootCmd.Flags().StringVar(&flags.path, "path", "", "Repository checkout to operate on (overrides INPUT_PATH)")
	rootCmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Reconcile locally without pushing or calling the GitHub API")
	rootCmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides INPUT_LOG_LEVEL)")
}

// loadEnvironment applies the dotenv file and then the flags, so flags win over both sources.
func loadEnvironment(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(flags.envFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("env-file") {
			return fmt.Errorf("load %s: %w", flags.envFile, err)
		}
	}

	overrides := map[string]string{}
	if cmd.Flags().Changed("path") {
		overrides["INPUT_PATH"] = flags.path
	}
	if cmd.Flags().Changed("dry-run") {
		overrides["INPUT_DRY_RUN"] = strconv.FormatBool(flags.dryRun)
	}
	if cmd.Flags().Changed("log-level") {
		overrides["INPUT_LOG_LEVEL"] = flags.logLevel
	}
	for key, value := range overrides {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runner, err := app.NewRunner(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := runner.Close(shutdownCtx); err != nil {
			log.Printf("failed to shut down cleanly: %v", err)
		}
	}()

	return runner.Run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Printf("create-pull-request action failed: %v", err)
		stop()
		os.Exit(1)
	}
}
