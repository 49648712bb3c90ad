package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sandboxListLimit int

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Sandbox executor commands",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List actions captured by the sandbox executor",
	RunE:  runSandboxList,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear captured actions",
	RunE:  runSandboxClear,
}

func init() {
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of actions")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxClearCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	sb := application.Sandbox()
	if sb == nil {
		return fmt.Errorf("executor is not in sandbox mode")
	}

	actions, err := sb.List(context.Background(), sandboxListLimit)
	if err != nil {
		return fmt.Errorf("failed to list actions: %w", err)
	}

	if len(actions) == 0 {
		fmt.Println("No captured actions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CAPTURED\tJOB\tACTION\tACCOUNT\tRECIPIENT\tERROR")
	fmt.Fprintln(w, "--------\t---\t------\t-------\t---------\t-----")

	for _, a := range actions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.CapturedAt.Format("2006-01-02 15:04:05"),
			truncateID(a.JobID),
			a.ActionType,
			a.AccountID,
			a.Recipient.ID,
			a.SimulatedErr,
		)
	}

	w.Flush()
	fmt.Printf("\nShown: %d actions\n", len(actions))

	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	sb := application.Sandbox()
	if sb == nil {
		return fmt.Errorf("executor is not in sandbox mode")
	}

	n, err := sb.Clear(context.Background())
	if err != nil {
		return fmt.Errorf("failed to clear actions: %w", err)
	}

	fmt.Printf("Cleared %d actions\n", n)
	return nil
}
