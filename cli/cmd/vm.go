package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"vmgate/cli/pkg/output"
	"vmgate/core/api"
	"vmgate/core/domain"
)

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "VM lifecycle commands",
	Long: `Commands for multipass VMs on the master host and on registered agents.
Without --agent a command targets the master host.`,
}

var vmAgentID string

var vmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs on every host, or on one with --agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.GetFormatFromCmd(cmd)
		if err != nil {
			return err
		}
		formatter := output.New(format)

		resp, err := newClient().ListVMs(context.Background(), vmAgentID)
		if err != nil {
			return fmt.Errorf("failed to list VMs: %w", err)
		}

		if formatter.IsStructured() {
			return formatter.Output(resp)
		}

		w := formatter.Writer()
		if resp.Count == 0 {
			fmt.Fprintln(w, "No VMs found")
		} else {
			table := output.NewTable(w, "NAME", "HOST", "IPV4", "RELEASE", "STATE")
			for _, vm := range resp.VMs {
				table.Row(vm.Name, hostOf(vm), output.OrDash(vm.PrimaryIP()), output.OrDash(vm.Release), output.VMState(vm.State))
			}
			if err := table.Flush(); err != nil {
				return err
			}
		}

		if len(resp.Errors) > 0 {
			hosts := make([]string, 0, len(resp.Errors))
			for host := range resp.Errors {
				hosts = append(hosts, host)
			}
			sort.Strings(hosts)

			fmt.Fprintln(os.Stderr, "\nUnreachable hosts:")
			for _, host := range hosts {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", host, resp.Errors[host])
			}
		}
		return nil
	},
}

var vmInfoCmd = &cobra.Command{
	Use:   "info <vm-name>",
	Short: "Show details of a VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.GetFormatFromCmd(cmd)
		if err != nil {
			return err
		}
		formatter := output.New(format)

		info, err := newClient().VMInfo(context.Background(), args[0], vmAgentID)
		if err != nil {
			return fmt.Errorf("failed to get VM info: %w", err)
		}

		if formatter.IsStructured() {
			return formatter.Output(info)
		}

		w := formatter.Writer()
		fmt.Fprintf(w, "Name:       %s\n", info.Name)
		fmt.Fprintf(w, "Host:       %s\n", hostOf(info.VM))
		fmt.Fprintf(w, "State:      %s\n", output.VMState(info.State))
		fmt.Fprintf(w, "IPv4:       %s\n", output.OrDash(strings.Join(info.IPv4, ", ")))
		fmt.Fprintf(w, "Release:    %s\n", output.OrDash(info.Release))
		if info.ImageHash != "" {
			fmt.Fprintf(w, "Image Hash: %s\n", info.ImageHash)
		}
		if info.CPUCount != "" {
			fmt.Fprintf(w, "CPUs:       %s\n", info.CPUCount)
		}
		if len(info.Load) > 0 {
			loads := make([]string, len(info.Load))
			for i, l := range info.Load {
				loads[i] = fmt.Sprintf("%.2f", l)
			}
			fmt.Fprintf(w, "Load:       %s\n", strings.Join(loads, " "))
		}
		if len(info.Memory) > 0 {
			fmt.Fprintf(w, "Memory:     %s\n", info.Memory)
		}
		if len(info.Disks) > 0 {
			fmt.Fprintf(w, "Disks:      %s\n", info.Disks)
		}
		return nil
	},
}

var createReq domain.CreateVMRequest

var vmCreateCmd = &cobra.Command{
	Use:   "create <vm-name>",
	Short: "Launch a new VM",
	Long: `Launch a new multipass VM. Unset resources use the defaults of the master
(image 22.04, 1 CPU, 1G memory, 5G disk). With --wait the master polls the VM
until it reports an IPv4 address.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.GetFormatFromCmd(cmd)
		if err != nil {
			return err
		}
		formatter := output.New(format)

		req := createReq
		req.Name = args[0]
		req.AgentID = vmAgentID
		if !domain.ValidVMName(req.Name) {
			return fmt.Errorf("invalid VM name %q", req.Name)
		}

		if !formatter.IsStructured() {
			fmt.Printf("Creating VM %s on %s...\n", req.Name, targetName(vmAgentID))
		}

		resp, err := newClient().CreateVM(context.Background(), req)
		return printAction(formatter, resp, err)
	},
}

// newActionCmd builds start, stop and delete, which only differ by verb.
func newActionCmd(action, short, progress string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " <vm-name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := output.GetFormatFromCmd(cmd)
			if err != nil {
				return err
			}
			formatter := output.New(format)

			name := args[0]
			if !formatter.IsStructured() {
				fmt.Printf("%s VM %s on %s...\n", progress, name, targetName(vmAgentID))
			}

			resp, err := newClient().VMAction(context.Background(), action, name, vmAgentID)
			return printAction(formatter, resp, err)
		},
	}
	output.AddFormatFlag(cmd)
	return cmd
}

// printAction renders a lifecycle answer. A failed operation still prints
// the multipass output before the error is returned.
func printAction(formatter *output.Formatter, resp *api.VMActionResponse, err error) error {
	if resp == nil {
		return err
	}

	if formatter.IsStructured() {
		if ferr := formatter.Output(resp); ferr != nil {
			return ferr
		}
		return err
	}

	w := formatter.Writer()
	if out := strings.TrimSpace(resp.Output); out != "" {
		fmt.Fprintln(w, out)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", resp.Message, err)
	}

	fmt.Fprintf(w, "%s %s\n", output.Result(true), resp.Message)
	if resp.IP != "" {
		fmt.Fprintf(w, "IPv4: %s\n", resp.IP)
	}
	if resp.IPError != "" {
		fmt.Fprintf(w, "IPv4: not available (%s)\n", resp.IPError)
	}
	return nil
}

func hostOf(vm domain.VM) string {
	if vm.AgentHostname != "" {
		return vm.AgentHostname
	}
	return output.OrDash(vm.AgentID)
}

func targetName(agentID string) string {
	if agentID == "" {
		return "the master host"
	}
	return "agent " + agentID
}

func init() {
	rootCmd.AddCommand(vmCmd)
	vmCmd.PersistentFlags().StringVarP(&vmAgentID, "agent", "a", "", "agent ID owning the VM (default: master host)")

	vmCmd.AddCommand(vmListCmd)
	vmCmd.AddCommand(vmInfoCmd)
	vmCmd.AddCommand(vmCreateCmd)
	vmCmd.AddCommand(newActionCmd("start", "Start a stopped VM", "Starting"))
	vmCmd.AddCommand(newActionCmd("stop", "Stop a running VM", "Stopping"))
	vmCmd.AddCommand(newActionCmd("delete", "Delete and purge a VM", "Deleting"))

	vmCreateCmd.Flags().IntVar(&createReq.CPUs, "cpus", 0, "number of CPUs")
	vmCreateCmd.Flags().StringVar(&createReq.Memory, "memory", "", "memory size, e.g. 2G")
	vmCreateCmd.Flags().StringVar(&createReq.Disk, "disk", "", "disk size, e.g. 10G")
	vmCreateCmd.Flags().StringVar(&createReq.Image, "image", "", "image or release to launch")
	vmCreateCmd.Flags().BoolVar(&createReq.WaitForIP, "wait", false, "wait until the VM has an IPv4 address")

	output.AddFormatFlag(vmListCmd)
	output.AddFormatFlag(vmInfoCmd)
	output.AddFormatFlag(vmCreateCmd)
}
