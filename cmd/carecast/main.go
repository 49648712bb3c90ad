package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/carecast/internal/api"
	"github.com/foxzi/carecast/internal/app"
	"github.com/foxzi/carecast/internal/campaign"
	"github.com/foxzi/carecast/internal/config"
	"github.com/foxzi/carecast/internal/scheduler"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

var (
	estimateAction  string
	estimateAccount string
	estimateCount   int
	estimatePerHour int
)

func main() {
	api.Version = version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "carecast",
	Short: "Carecast - campaign scheduler",
	Long:  `Carecast schedules customer-care campaigns and dispatches their actions within account rate limits.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the campaign server",
	Long:  `Start the Carecast HTTP API and the background dispatcher.`,
	RunE:  runServe,
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one dispatcher pass",
	Long:  `Execute every due task once and exit. Useful when dispatching is driven by cron.`,
	RunE:  runTick,
}

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate start and completion of a campaign",
	RunE:  runEstimate,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("carecast version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	estimateCmd.Flags().StringVar(&estimateAction, "action", string(campaign.ActionSendMessage), "Action type (send_message, add_friend, find_uid)")
	estimateCmd.Flags().StringVar(&estimateAccount, "account", "", "Account ID (default limits are used when empty)")
	estimateCmd.Flags().IntVar(&estimateCount, "recipients", 0, "Number of recipients")
	estimateCmd.Flags().IntVar(&estimatePerHour, "per-hour", 0, "Override actions per hour")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, tickCmd, estimateCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openApp builds the application for a one-shot command
func openApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Metrics.Enabled = false
	cfg.Logging.Level = "warn"

	application, err := app.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}
	return application, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runTick(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	n, err := application.Dispatcher().Tick(ctx)
	if err != nil {
		return fmt.Errorf("dispatch failed: %w", err)
	}

	fmt.Printf("Executed %d tasks\n", n)
	return nil
}

func runEstimate(cmd *cobra.Command, args []string) error {
	if estimateCount <= 0 {
		return fmt.Errorf("--recipients must be positive")
	}

	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	req := scheduler.EstimateRequest{
		ActionType:     campaign.ActionType(estimateAction),
		RecipientCount: estimateCount,
		AccountID:      estimateAccount,
	}
	if estimatePerHour > 0 {
		req.Config = map[string]any{"actions_per_hour": estimatePerHour}
	}

	est, err := application.Scheduler().Estimate(context.Background(), req)
	if err != nil {
		return fmt.Errorf("failed to estimate: %w", err)
	}

	fmt.Println("Campaign Estimate")
	fmt.Println("=================")
	fmt.Printf("Tasks:      %d\n", est.Tasks)
	fmt.Printf("Start:      %s\n", est.EstimatedStart.Format(time.RFC3339))
	fmt.Printf("Completion: %s\n", est.EstimatedCompletion.Format(time.RFC3339))
	fmt.Printf("Duration:   %s\n", est.EstimatedCompletion.Sub(est.EstimatedStart).Round(time.Second))

	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Path)
	fmt.Printf("  Audit: %s\n", cfg.Audit.Path)
	fmt.Printf("  Strategy: %s\n", cfg.Scheduler.Strategy)
	fmt.Printf("  Timezone: %s\n", cfg.Location())
	fmt.Printf("  Executor: %s\n", cfg.Executor.Mode)
	fmt.Printf("  Actors: %d\n", len(cfg.API.Actors))

	return nil
}
