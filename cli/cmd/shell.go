package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"vmgate/cli/pkg/output"
	"vmgate/cli/pkg/terminal"
)

var shellAgentID string

var shellCmd = &cobra.Command{
	Use:   "shell <vm-name>",
	Short: "Open an interactive shell on a VM",
	Long: `Open an interactive shell on a VM through the master terminal relay.
With --agent the master chains the session to that agent.

Press Ctrl+] then 'q' to exit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		ctx := context.Background()

		url, err := c.TerminalURL(args[0], shellAgentID)
		if err != nil {
			return err
		}

		shell, err := terminal.Dial(ctx, url, c.TerminalHeader(), args[0])
		if err != nil {
			return err
		}
		defer shell.Close()

		return shell.Start(ctx)
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List terminal sessions open on the master",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.GetFormatFromCmd(cmd)
		if err != nil {
			return err
		}
		formatter := output.New(format)

		resp, err := newClient().Sessions(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		if formatter.IsStructured() {
			return formatter.Output(resp)
		}
		if resp.Count == 0 {
			fmt.Fprintln(formatter.Writer(), "No open sessions")
			return nil
		}

		table := output.NewTable(formatter.Writer(), "SESSION ID", "VM", "AGENT", "PATH", "STARTED", "STATE")
		for _, s := range resp.Sessions {
			table.Row(s.ID, s.VMName, output.OrDash(s.AgentID), s.Path, since(s.StartedAt), s.State)
		}
		return table.Flush()
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(sessionsCmd)

	shellCmd.Flags().StringVarP(&shellAgentID, "agent", "a", "", "agent ID owning the VM (default: master host)")
	output.AddFormatFlag(sessionsCmd)
}
