package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted agent sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		Run: func(cmd *cobra.Command, args []string) {
			runSessionsList(jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func runSessionsList(jsonOutput bool) {
	stores := mustOpenStores()

	metas, err := stores.Sessions.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(metas, "", "  ")
		fmt.Println(string(out))
		return
	}

	if len(metas) == 0 {
		fmt.Println("No sessions.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tMODEL\tTURNS\tUPDATED\tSUMMARY")
	for _, m := range metas {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			m.AgentID, m.Model, m.Turns, m.UpdatedAt.Format("2006-01-02 15:04"), m.Summary)
	}
	w.Flush()
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Print a session document (migrated to the current version)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runSessionsShow(args[0])
		},
	}
}

func runSessionsShow(agentID string) {
	stores := mustOpenStores()

	doc, err := stores.Sessions.Load(context.Background(), config.NormalizeAgentID(agentID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading session: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding session: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <agent-id>",
		Short: "Delete a persisted session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			stores := mustOpenStores()
			id := config.NormalizeAgentID(args[0])
			if err := stores.Sessions.Delete(context.Background(), id); err != nil {
				fmt.Fprintf(os.Stderr, "Error deleting session: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Deleted session %s\n", id)
		},
	}
}

func mustOpenStores() *store.Stores {
	cfg := loadConfig()
	stores, err := openStores(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening stores: %v\n", err)
		os.Exit(1)
	}
	return stores
}
