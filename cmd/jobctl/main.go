// jobctl is the command-line submitter for the job dispatcher: it POSTs a
// run request to a running orchestratord and prints the accepted job.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverURL string
var createdBy string

var rootCmd = &cobra.Command{
	Use:   "jobctl",
	Short: "Submit and inspect jobs on a dispatchcore orchestrator",
}

var runCmd = &cobra.Command{
	Use:   "run <spec-name> [json-args]",
	Short: "Submit a job against a registered spec",
	Long:  `Submit a job against a registered spec. json-args, if given, must be a JSON object and becomes the job's runtime_args.`,
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		specName := args[0]
		var rawArgs string
		if len(args) == 2 {
			rawArgs = args[1]
		}
		queue, err := cmd.Flags().GetString("queue")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		job, err := RunJob(serverURL, specName, rawArgs, queue, createdBy)
		if err != nil {
			fmt.Fprintln(os.Stderr, "run failed:", err)
			os.Exit(1)
		}
		fmt.Printf("job accepted: %s (status=%s, queue=%s)\n", job.ID, job.Status, job.QueueName)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the current status of a job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		job, err := GetJob(serverURL, args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, "status failed:", err)
			os.Exit(1)
		}
		fmt.Printf("%-20s %s\n", "ID:", job.ID)
		fmt.Printf("%-20s %s\n", "Spec:", job.SpecName)
		fmt.Printf("%-20s %s\n", "Status:", job.Status)
		fmt.Printf("%-20s %d\n", "Progress:", job.Progress)
		fmt.Printf("%-20s %s\n", "Queue:", job.QueueName)
		fmt.Printf("%-20s %s\n", "Worker:", job.AssignedWorker)
		if job.ErrorMessage != "" {
			fmt.Printf("%-20s %s\n", "Error:", job.ErrorMessage)
		}
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		job, err := CancelJob(serverURL, args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, "cancel failed:", err)
			os.Exit(1)
		}
		fmt.Printf("job %s status is now %s\n", job.ID, job.Status)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("JOBCTL_SERVER", "http://localhost:8080"), "orchestrator base URL")
	rootCmd.PersistentFlags().StringVar(&createdBy, "created-by", envOr("USER", ""), "attribution for submitted jobs")

	runCmd.Flags().String("queue", "", "target queue name (defaults to the orchestrator's default queue)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
