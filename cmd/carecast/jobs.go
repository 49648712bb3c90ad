package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/carecast/internal/campaign"
)

const cliActor = "cli"

var (
	jobsListArchived bool
	jobsListPage     int
	jobsListLimit    int
	jobsShowTasks    bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Job management commands",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live or archived jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show job details",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a job and archive it as paused",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage statistics",
	RunE:  runJobsStats,
}

func init() {
	jobsListCmd.Flags().BoolVar(&jobsListArchived, "archived", false, "List archived jobs")
	jobsListCmd.Flags().IntVar(&jobsListPage, "page", 1, "Page number")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 20, "Jobs per page (max 100)")

	jobsShowCmd.Flags().BoolVar(&jobsShowTasks, "tasks", false, "Print every task")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsStopCmd, jobsStatsCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	ctx := context.Background()
	filter := campaign.JobListFilter{Page: jobsListPage, Limit: jobsListLimit}

	list := application.Scheduler().ListLiveJobs
	if jobsListArchived {
		list = application.Scheduler().ListArchivedJobs
	}

	jobs, total, err := list(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACTION\tACCOUNT\tSTATUS\tDONE\tCREATED")
	fmt.Fprintln(w, "--\t----\t------\t-------\t------\t----\t-------")

	for _, job := range jobs {
		st := job.Statistics
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			truncateID(job.ID),
			job.JobName,
			job.ActionType,
			job.AccountID,
			job.Status,
			st.Completed+st.Failed, st.Total,
			job.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d jobs\n", total)

	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	ctx := context.Background()
	id := args[0]

	job, err := application.Scheduler().GetJob(ctx, id)
	if errors.Is(err, campaign.ErrNotFound) {
		job, err = application.Scheduler().GetArchivedJob(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}

	fmt.Printf("Job: %s\n\n", job.ID)
	fmt.Printf("Name:       %s\n", job.JobName)
	fmt.Printf("Action:     %s\n", job.ActionType)
	fmt.Printf("Account:    %s\n", job.AccountID)
	fmt.Printf("Status:     %s\n", job.Status)
	fmt.Printf("Created:    %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Created By: %s\n", job.CreatedBy)
	if !job.EstimatedStart.IsZero() {
		fmt.Printf("Start:      %s\n", job.EstimatedStart.Format(time.RFC3339))
		fmt.Printf("Completion: %s\n", job.EstimatedCompletionTime.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Archived:   %s\n", job.CompletedAt.Format(time.RFC3339))
	}

	st := job.Statistics
	fmt.Printf("\nTasks: %d total, %d completed, %d failed, %d open\n",
		st.Total, st.Completed, st.Failed, st.Total-st.Completed-st.Failed)

	if !jobsShowTasks {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tRECIPIENT\tSCHEDULED\tSTATUS\tRESULT")
	fmt.Fprintln(w, "----\t---------\t---------\t------\t------")
	for _, t := range job.OrderedTasks() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(t.ID),
			t.Person.ID,
			t.ScheduledFor.Format("2006-01-02 15:04:05"),
			t.Status,
			t.ResultMessage,
		)
	}
	w.Flush()

	return nil
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	job, err := application.Scheduler().Stop(context.Background(), args[0], cliActor)
	if err != nil {
		return fmt.Errorf("failed to stop job: %w", err)
	}

	st := job.Statistics
	fmt.Printf("Job %s stopped (%d of %d tasks cancelled)\n", job.ID, st.Total-st.Completed-st.Failed, st.Total)
	return nil
}

func runJobsStats(cmd *cobra.Command, args []string) error {
	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Close()

	stats, err := application.Store().Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Println("Storage Statistics")
	fmt.Println("==================")
	fmt.Printf("Live jobs:     %d\n", stats.LiveJobs)
	fmt.Printf("Archived jobs: %d\n", stats.ArchivedJobs)
	fmt.Printf("Due tasks:     %d\n", stats.DueTasks)
	fmt.Printf("Accounts:      %d\n", stats.Accounts)
	fmt.Printf("Recipients:    %d\n", stats.Recipients)

	return nil
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
