package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vmgate/cli/pkg/output"
	"vmgate/core/domain"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Agent registry commands",
	Long:  "Commands for inspecting and removing the agents registered with the master",
}

var agentListOnline bool

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.GetFormatFromCmd(cmd)
		if err != nil {
			return err
		}
		formatter := output.New(format)

		resp, err := newClient().ListAgents(context.Background(), agentListOnline)
		if err != nil {
			return fmt.Errorf("failed to list agents: %w", err)
		}

		if formatter.IsStructured() {
			return formatter.Output(resp)
		}

		if resp.Count == 0 {
			fmt.Fprintln(formatter.Writer(), "No agents registered")
			return nil
		}

		table := output.NewTable(formatter.Writer(), "AGENT ID", "HOSTNAME", "API URL", "VMS", "LAST SEEN", "STATUS")
		for _, agent := range resp.Agents {
			table.Row(
				agent.ID,
				agent.Hostname,
				agent.BaseURL,
				agent.VMCount,
				since(agent.LastSeen),
				output.AgentStatus(agent.Status),
			)
		}
		return table.Flush()
	},
}

var agentInfoCmd = &cobra.Command{
	Use:   "info <agent-id>",
	Short: "Show an agent and probe its health",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.GetFormatFromCmd(cmd)
		if err != nil {
			return err
		}
		formatter := output.New(format)

		resp, err := newClient().AgentInfo(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get agent info: %w", err)
		}

		if formatter.IsStructured() {
			return formatter.Output(resp)
		}

		w := formatter.Writer()
		agent := resp.Agent
		fmt.Fprintf(w, "Agent ID:   %s\n", agent.ID)
		fmt.Fprintf(w, "Hostname:   %s\n", agent.Hostname)
		fmt.Fprintf(w, "API URL:    %s\n", agent.BaseURL)
		fmt.Fprintf(w, "Status:     %s\n", output.AgentStatus(agent.Status))
		fmt.Fprintf(w, "Last Seen:  %s (%s)\n", agent.LastSeen.Local().Format(time.DateTime), since(agent.LastSeen))
		fmt.Fprintf(w, "VM Count:   %d\n", agent.VMCount)

		if len(agent.Tags) > 0 {
			fmt.Fprintf(w, "Tags:       %s\n", formatTags(agent.Tags))
		}

		if resp.HealthError != "" {
			fmt.Fprintf(w, "Health:     %s\n", output.Result(false))
			fmt.Fprintf(w, "  Error:    %s\n", resp.HealthError)
		} else if resp.Health != nil {
			fmt.Fprintf(w, "Health:     %s\n", output.Result(true))
			keys := make([]string, 0, len(resp.Health))
			for k := range resp.Health {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "  %-10s%v\n", k+":", resp.Health[k])
			}
		}
		return nil
	},
}

var agentRemoveCmd = &cobra.Command{
	Use:     "remove <agent-id>",
	Aliases: []string{"rm", "unregister"},
	Short:   "Remove an agent from the registry",
	Long: `Remove an agent from the master registry. A running agent registers again
on its next heartbeat.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().RemoveAgent(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("failed to remove agent: %w", err)
		}

		fmt.Println(resp.Message)
		return nil
	},
}

var agentExecTimeout time.Duration

var agentExecCmd = &cobra.Command{
	Use:   "exec <agent-id> -- <multipass args...>",
	Short: "Run a multipass command on an agent",
	Example: `  vmctl agent exec node-2 -- version
  vmctl agent exec node-2 --command-timeout 10m -- transfer web:/var/log/syslog .`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.GetFormatFromCmd(cmd)
		if err != nil {
			return err
		}

		req := domain.ExecuteRequest{Args: args[1:], Timeout: int(agentExecTimeout.Seconds())}
		result, err := newClient().Execute(context.Background(), args[0], req)
		if err != nil {
			return fmt.Errorf("failed to execute on agent: %w", err)
		}

		formatter := output.New(format)
		if formatter.IsStructured() {
			return formatter.Output(result)
		}

		fmt.Fprint(cmd.OutOrStdout(), result.Output)
		if !result.Success {
			fmt.Fprint(cmd.ErrOrStderr(), result.Error)
			return fmt.Errorf("command failed (%s)", result.Kind)
		}
		return nil
	},
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

func formatTags(tags map[string]string) string {
	pairs := make([]string, 0, len(tags))
	for k, v := range tags {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(agentListCmd)
	agentCmd.AddCommand(agentInfoCmd)
	agentCmd.AddCommand(agentRemoveCmd)
	agentCmd.AddCommand(agentExecCmd)

	agentListCmd.Flags().BoolVar(&agentListOnline, "online", false, "only list agents that are online")
	output.AddFormatFlag(agentListCmd)
	output.AddFormatFlag(agentInfoCmd)
	output.AddFormatFlag(agentExecCmd)
	agentExecCmd.Flags().DurationVar(&agentExecTimeout, "command-timeout", 0, "command ceiling on the agent (0 uses the agent default)")
}
