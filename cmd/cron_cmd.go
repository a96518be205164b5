package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/cron"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled agent jobs",
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronAddCmd())
	cmd.AddCommand(cronRemoveCmd())
	return cmd
}

// openCronService builds a service over the persisted store without starting
// the scheduling loop. Mutations are picked up by a running daemon on its
// next restart; live changes go through the gateway's cron methods.
func openCronService() *cron.Service {
	cfg := loadConfig()
	svc := cron.NewService(cfg.Cron.StorePath, nil)
	if err := svc.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error opening cron store: %v\n", err)
		os.Exit(1)
	}
	svc.Stop()
	return svc
}

func cronListCmd() *cobra.Command {
	var jsonOutput bool
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			svc := openCronService()
			jobs := svc.ListJobs(all)

			if jsonOutput {
				out, _ := json.MarshalIndent(jobs, "", "  ")
				fmt.Println(string(out))
				return
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs.")
				return
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tAGENT\tKIND\tNEXT RUN\tMESSAGE")
			for _, job := range jobs {
				next := "-"
				if job.State.NextRunAtMS != nil {
					next = time.UnixMilli(*job.State.NextRunAtMS).Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					job.ID, job.Name, job.AgentID, job.Schedule.Kind, next, job.Payload.Message)
			}
			w.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&all, "all", false, "include disabled jobs")
	return cmd
}

func cronAddCmd() *cobra.Command {
	var (
		name    string
		expr    string
		everyMS int64
		message string
		agentID string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled job",
		Run: func(cmd *cobra.Command, args []string) {
			if message == "" {
				fmt.Fprintln(os.Stderr, "Error: --message is required")
				os.Exit(1)
			}

			var schedule cron.Schedule
			switch {
			case expr != "":
				schedule = cron.Schedule{Kind: "cron", Expr: expr}
			case everyMS > 0:
				schedule = cron.Schedule{Kind: "every", EveryMS: &everyMS}
			default:
				fmt.Fprintln(os.Stderr, "Error: either --expr or --every is required")
				os.Exit(1)
			}

			svc := openCronService()
			job, err := svc.AddJob(name, schedule, message, config.NormalizeAgentID(agentID))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error adding job: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Added job %s (%s)\n", job.ID, job.Name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().StringVar(&expr, "expr", "", "cron expression (5-field)")
	cmd.Flags().Int64Var(&everyMS, "every", 0, "interval in milliseconds")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message submitted to the agent")
	cmd.Flags().StringVarP(&agentID, "agent", "a", config.DefaultAgentID, "agent id")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <job-id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc := openCronService()
			if err := svc.RemoveJob(args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "Error removing job: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Removed job %s\n", args[0])
		},
	}
}
