package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/carecast/internal/campaign"
	"github.com/foxzi/carecast/internal/ratelimit"
)

var (
	accountName    string
	accountPerHour int
	accountPerDay  int
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Account management commands",
}

var accountCreateCmd = &cobra.Command{
	Use:   "create [account_id]",
	Short: "Register an account with its rate limits",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAccountCreate,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts and their rate limit usage",
	RunE:  runAccountList,
}

var accountLimitsCmd = &cobra.Command{
	Use:   "limits <account_id>",
	Short: "Change account rate limits",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountLimits,
}

var actorCmd = &cobra.Command{
	Use:   "actor",
	Short: "API actor commands",
}

var actorHashKeyCmd = &cobra.Command{
	Use:   "hash-key <api_key>",
	Short: "Print the bcrypt hash of an API key for api.actors[].key_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := hashKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	accountCreateCmd.Flags().StringVar(&accountName, "name", "", "Account display name")
	accountCreateCmd.Flags().IntVar(&accountPerHour, "per-hour", 0, "Actions per hour (required)")
	accountCreateCmd.Flags().IntVar(&accountPerDay, "per-day", 0, "Actions per day (0 = unlimited)")

	accountLimitsCmd.Flags().IntVar(&accountPerHour, "per-hour", 0, "Actions per hour (required)")
	accountLimitsCmd.Flags().IntVar(&accountPerDay, "per-day", 0, "Actions per day (0 = unlimited)")

	accountCmd.AddCommand(accountCreateCmd, accountListCmd, accountLimitsCmd)
	actorCmd.AddCommand(actorHashKeyCmd)
	rootCmd.AddCommand(accountCmd, actorCmd)
}

func checkLimits(perHour, perDay int) error {
	if perHour <= 0 {
		return fmt.Errorf("--per-hour must be positive")
	}
	if perDay < 0 {
		return fmt.Errorf("--per-day must not be negative")
	}
	return nil
}

func hashKey(key string) (string, error) {
	if len(key) < 16 {
		return "", fmt.Errorf("api key must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return string(hash), nil
}

func runAccountCreate(cmd *cobra.Command, args []string) error {
	if err := checkLimits(accountPerHour, accountPerDay); err != nil {
		return err
	}

	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	id := uuid.New().String()
	if len(args) > 0 {
		id = args[0]
	}

	now := time.Now()
	acct := &campaign.Account{
		ID:        id,
		Name:      accountName,
		Rate:      ratelimit.State{PerHour: accountPerHour, PerDay: accountPerDay},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := application.Store().CreateAccount(context.Background(), acct); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	fmt.Printf("Account %s created (%d/hour, %d/day)\n", id, accountPerHour, accountPerDay)
	return nil
}

func runAccountList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	accounts, err := application.Store().ListAccounts(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	if len(accounts) == 0 {
		fmt.Println("No accounts")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tHOUR\tDAY\tLOCKED")
	fmt.Fprintln(w, "--\t----\t----\t---\t------")

	for _, a := range accounts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n",
			a.ID,
			a.Name,
			usage(a.Rate.HourlyUsed, a.Rate.PerHour),
			usage(a.Rate.DailyUsed, a.Rate.PerDay),
			a.IsLocked,
		)
	}

	w.Flush()
	return nil
}

func runAccountLimits(cmd *cobra.Command, args []string) error {
	if err := checkLimits(accountPerHour, accountPerDay); err != nil {
		return err
	}

	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	acct, err := application.Store().UpdateAccount(context.Background(), args[0], func(a *campaign.Account) error {
		a.Rate.PerHour = accountPerHour
		a.Rate.PerDay = accountPerDay
		a.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	fmt.Printf("Account %s limits set to %d/hour, %d/day\n", acct.ID, acct.Rate.PerHour, acct.Rate.PerDay)
	return nil
}

func usage(used, limit int) string {
	if limit <= 0 {
		return fmt.Sprintf("%d/-", used)
	}
	return fmt.Sprintf("%d/%d", used, limit)
}
