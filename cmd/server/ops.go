package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ashureev/conductor/internal/store"
)

var syncCapabilitiesCmd = &cobra.Command{
	Use:   "sync-capabilities",
	Short: "Embed and index capability descriptors",
	Long: `Applies the capability manifest, if configured, and embeds every
registered capability into the search index, then exits.`,
	RunE: runSyncCapabilities,
}

var (
	jobsOwner string
	sweepDays int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List an owner's pending scheduled jobs",
	RunE:  runJobs,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired conversation checkpoints",
	RunE:  runSweep,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsOwner, "owner", "", "Owner ID whose jobs to list")
	_ = jobsCmd.MarkFlagRequired("owner")
	sweepCmd.Flags().IntVar(&sweepDays, "days", 0, "Override the configured retention in days")
}

func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

func runSyncCapabilities(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.syncCapabilities(cmd.Context())
	if err != nil {
		printStatus("✗", "Capability sync failed: "+err.Error(), color.FgRed)
		return err
	}
	printStatus("✓", fmt.Sprintf("Indexed %d capabilities", n), color.FgGreen)
	return nil
}

func runJobs(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.repo.ListPendingJobs(cmd.Context(), jobsOwner)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		printStatus("•", "No pending jobs for "+jobsOwner, color.FgYellow)
		return nil
	}

	bold := color.New(color.Bold)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, bold.Sprint("ID")+"\t"+bold.Sprint("KIND")+"\t"+bold.Sprint("TRIGGER AT")+"\t"+bold.Sprint("COMMAND"))
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.ID, j.Kind, j.TriggerAt.Format(time.RFC3339), j.Command)
	}
	return w.Flush()
}

func runSweep(cmd *cobra.Command, _ []string) error {
	a, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ttl := a.cfg.Checkpoint.TTL()
	if sweepDays > 0 {
		ttl = time.Duration(sweepDays) * 24 * time.Hour
	}
	res, err := store.SweepOnce(cmd.Context(), a.checkpoints, ttl, time.Now())
	if err != nil {
		printStatus("✗", "Sweep failed: "+err.Error(), color.FgRed)
		return err
	}
	printStatus("✓", fmt.Sprintf("Removed %d checkpoints, %d writes and %d blobs", res.Checkpoints, res.Writes, res.Blobs), color.FgGreen)
	return nil
}
