package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	initOutput   string
	initDataDir  string
	initStrategy string
	initTimezone string
	initExecutor string
	initBaseURL  string
	initActor    string
	initAPIKey   string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Carecast configuration",
	Long: `Interactive wizard to create a Carecast configuration file.

This command helps you set up Carecast by:
  1. Creating a configuration file
  2. Generating an API key for the first actor

Examples:
  # Interactive mode - prompts for missing values
  carecast init

  # Quick setup for testing
  carecast init --timezone Europe/Moscow --executor sandbox -o test.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/carecast", "Data directory for job store and audit log")
	initCmd.Flags().StringVar(&initStrategy, "strategy", "hourly", "Slot allocation strategy: hourly, smart")
	initCmd.Flags().StringVar(&initTimezone, "timezone", "", "IANA time zone for rate limit windows (default: local)")
	initCmd.Flags().StringVar(&initExecutor, "executor", "sandbox", "Executor mode: sandbox, http")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Provider API base URL (http executor)")
	initCmd.Flags().StringVar(&initActor, "actor", "admin", "ID of the first API actor")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Carecast Configuration Wizard")
	fmt.Println("=============================")
	fmt.Println()

	initDataDir = prompt(reader, "Data directory", initDataDir)

	if initTimezone == "" {
		initTimezone = prompt(reader, "Time zone", time.Local.String())
	}
	if _, err := time.LoadLocation(initTimezone); err != nil {
		return fmt.Errorf("invalid time zone %q: %w", initTimezone, err)
	}

	if initExecutor == "http" && initBaseURL == "" {
		initBaseURL = prompt(reader, "Provider API base URL", "")
		if initBaseURL == "" {
			return fmt.Errorf("base URL is required for the http executor")
		}
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	keyHash, err := hashKey(initAPIKey)
	if err != nil {
		return err
	}

	// Check if output file exists
	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig(keyHash)), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	printNextSteps()

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig(keyHash string) string {
	executorSection := fmt.Sprintf(`executor:
  mode: %s
  timeout: 30s`, initExecutor)
	if initExecutor == "http" {
		executorSection += fmt.Sprintf(`
  base_url: "%s"
  api_key: ""
  requests_per_second: 5
  burst: 1`, initBaseURL)
	} else {
		executorSection += `
  sandbox:
    simulate_errors: false
    error_probability: 0.1`
	}

	return fmt.Sprintf(`# Carecast configuration
# Generated by: carecast init

storage:
  path: "%s/carecast.db"

audit:
  path: "%s/audit.db"

api:
  listen_addr: ":8080"
  max_header_bytes: 1048576  # 1 MB
  read_timeout: 30s
  write_timeout: 30s
  idle_timeout: 60s
  actors:
    - id: "%s"
      name: "%s"
      key_hash: "%s"

scheduler:
  strategy: %s
  min_gap: 20s
  jitter: 0.15
  spread: false
  timezone: "%s"
  default_per_hour: 30
  default_per_day: 200
  max_recipients: 10000

dispatcher:
  enabled: true
  poll_interval: 30s
  batch_size: 100
  concurrency: 5
  claim_timeout: 10m

%s

metrics:
  enabled: false
  listen_addr: ":9090"
  path: "/metrics"

logging:
  level: "info"
  format: "json"
`,
		initDataDir,
		initDataDir,
		initActor, initActor, keyHash,
		initStrategy,
		initTimezone,
		executorSection,
	)
}

func printNextSteps() {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Register an account:")
	fmt.Printf("   carecast account create acc1 --per-hour 30 --per-day 200 -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("2. Start the server:")
	fmt.Printf("   carecast serve -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("3. Schedule a campaign:")
	fmt.Println("   curl -X POST http://localhost:8080/api/v1/jobs \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\" \\\n", initAPIKey)
	fmt.Println("     -H \"Content-Type: application/json\" \\")
	fmt.Println(`     -d '{"action_type":"send_message","account_id":"acc1","recipients":[{"id":"c1","name":"Customer"}],"config":{"message":"Hello {{name}}"}}'`)
	fmt.Println()
}
