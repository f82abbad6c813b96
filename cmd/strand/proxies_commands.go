package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"strand/internal/recordings"
)

func newProxiesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Manage recording proxies",
	}
	cmd.AddCommand(newProxiesListCommand(ctx))
	cmd.AddCommand(newProxiesAddCommand(ctx))
	cmd.AddCommand(newProxiesSetEnabledCommand(ctx, "enable", true))
	cmd.AddCommand(newProxiesSetEnabledCommand(ctx, "disable", false))
	cmd.AddCommand(newProxiesTestCommand(ctx))
	return cmd
}

func newProxiesListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List proxies in selection order",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Proxies []recordings.Proxy `json:"proxies"`
			}
			if err := ctx.get("/api/proxies", &resp); err != nil {
				return err
			}
			if len(resp.Proxies) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No proxies configured")
				return nil
			}

			rows := make([][]string, 0, len(resp.Proxies))
			for _, proxy := range resp.Proxies {
				enabled := "yes"
				if !proxy.Enabled {
					enabled = "no"
				}
				latency := "-"
				if proxy.AverageLatencyMS > 0 {
					latency = fmt.Sprintf("%.0fms", proxy.AverageLatencyMS)
				}
				rows = append(rows, []string{
					strconv.FormatInt(proxy.ID, 10),
					proxy.URL,
					strconv.Itoa(proxy.Priority),
					enabled,
					string(proxy.HealthStatus),
					strconv.Itoa(proxy.ConsecutiveFailures),
					latency,
				})
			}
			headers := []string{"ID", "URL", "Priority", "Enabled", "Health", "Failures", "Latency"}
			aligns := []columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignLeft, alignRight, alignRight}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
			return nil
		},
	}
}

func newProxiesAddCommand(ctx *commandContext) *cobra.Command {
	var priority int

	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Proxy recordings.Proxy `json:"proxy"`
			}
			body := map[string]any{"url": args[0], "priority": priority}
			if err := ctx.post("/api/proxies", body, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Proxy %d added: %s (priority %d)\n", resp.Proxy.ID, resp.Proxy.URL, resp.Proxy.Priority)
			return nil
		},
	}

	cmd.Flags().IntVar(&priority, "priority", 100, "Selection priority, lower is preferred")
	return cmd
}

func newProxiesSetEnabledCommand(ctx *commandContext, verb string, enable bool) *cobra.Command {
	short := "Disable a proxy"
	if enable {
		short = "Enable a proxy and reset its failure count"
	}
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid proxy id %q", args[0])
			}
			var resp struct {
				Proxy recordings.Proxy `json:"proxy"`
			}
			if err := ctx.post(fmt.Sprintf("/api/proxies/%d/%s", id, verb), nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Proxy %d %sd\n", id, verb)
			return nil
		},
	}
}

func newProxiesTestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test <id>",
		Short: "Probe a proxy now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid proxy id %q", args[0])
			}
			var resp struct {
				ProxyID   int64  `json:"proxy_id"`
				Status    string `json:"status"`
				LatencyMS float64 `json:"latency_ms"`
				Error     string `json:"error,omitempty"`
			}
			if err := ctx.post(fmt.Sprintf("/api/proxies/%d/test", id), nil, &resp); err != nil {
				return err
			}
			if resp.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Proxy %d: %s (%s)\n", resp.ProxyID, resp.Status, resp.Error)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Proxy %d: %s (%.0fms)\n", resp.ProxyID, resp.Status, resp.LatencyMS)
			return nil
		},
	}
}
