package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fleetsync/pkg/bus"
	"fleetsync/pkg/fleet"
	"fleetsync/services/registry"
	"fleetsync/services/reporter"
)

func (a *app) registryClient() (*registry.Client, error) {
	return registry.NewClient(a.cfg.RegistryURL(), a.cfg.AuthToken, a.cfg.RequestTimeout)
}

func (a *app) newMachinesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "machines",
		Short: "List machines known to the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.registryClient()
			if err != nil {
				return err
			}
			machines, err := client.Machines(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(machines)
			}
			return writeMachines(a.out, machines, time.Now())
		},
	}
}

func (a *app) newMachineCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "machine <name-or-id>",
		Short: "Show one machine and its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.registryClient()
			if err != nil {
				return err
			}
			detail, err := client.Machine(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(detail)
			}
			return writeMachineDetail(a.out, detail, time.Now())
		},
	}
}

func (a *app) newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the aggregate fleet view by dashboard group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.registryClient()
			if err != nil {
				return err
			}
			status, err := client.FleetStatus(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(status)
			}
			return writeFleetStatus(a.out, status)
		},
	}
}

func (a *app) newRegisterCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this machine (or a report file) with the registry manually",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var report fleet.StatusReport
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &report); err != nil {
					return fmt.Errorf("decode %s: %w", file, err)
				}
			} else {
				parts := reporter.FromConfig(a.cfg, a.logger, nil)
				built, err := parts.Aggregator.Build(cmd.Context())
				if err != nil {
					return err
				}
				report = built
			}

			client, err := a.registryClient()
			if err != nil {
				return err
			}
			if err := client.Register(cmd.Context(), report); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "registered %s (%s) with %s\n", report.Machine.Hostname, report.Machine.MachineID, a.cfg.RegistryURL())
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Submit a status report JSON file instead of building one")
	return cmd
}

func (a *app) newReportCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Run one reporting cycle and print the delivery outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parts := reporter.FromConfig(a.cfg, a.logger, nil)
			if dryRun {
				report, err := parts.Aggregator.Build(cmd.Context())
				if err != nil {
					return err
				}
				return a.printJSON(report)
			}

			result, err := parts.Service.RunOnce(cmd.Context())
			if errors.Is(err, reporter.ErrCycleInProgress) {
				return err
			}
			if a.jsonOutput {
				if jsonErr := a.printJSON(deliverySummary(result)); jsonErr != nil {
					return jsonErr
				}
				return err
			}
			writeDelivery(a.out, result)
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Build and print the report without sending it")
	return cmd
}

func (a *app) newWatchCommand() *cobra.Command {
	subjects := []string{bus.StatusIngestedSubject, bus.MachineStateSubject, bus.KanbanUpdatedSubject}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream registry events from NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.NATSURL == "" {
				return errors.New("nats url is not configured (FLEET_NATS_URL)")
			}
			events, err := bus.New(a.cfg.NATSURL, "fleetctl-watch")
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer events.Close()

			ctx := cmd.Context()
			for _, subject := range subjects {
				sub, err := events.Subscribe(ctx, subject, func(_ context.Context, data []byte) error {
					_, err := fmt.Fprintf(a.out, "%s %s %s\n", time.Now().Format(time.RFC3339), subject, strings.TrimSpace(string(data)))
					return err
				})
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", subject, err)
				}
				defer sub.Close()
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&subjects, "subject", subjects, "Subjects to watch")
	return cmd
}

type endpointSummary struct {
	Endpoint string `json:"endpoint"`
	URL      string `json:"url"`
	OK       bool   `json:"ok"`
	Attempts int    `json:"attempts"`
	Status   int    `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

func deliverySummary(result reporter.DeliveryResult) map[string]any {
	endpoints := make([]endpointSummary, 0, len(result.Results))
	for _, r := range result.Results {
		s := endpointSummary{Endpoint: r.Endpoint.Name, URL: r.Endpoint.URL, OK: r.OK(), Attempts: r.Attempts, Status: r.StatusCode}
		if r.Err != nil {
			s.Error = r.Err.Error()
		}
		endpoints = append(endpoints, s)
	}
	return map[string]any{
		"machine_id": result.Report.Machine.MachineID,
		"sessions":   len(result.Report.Sessions),
		"ok":         result.OK(),
		"endpoints":  endpoints,
	}
}

func writeDelivery(w io.Writer, result reporter.DeliveryResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "machine %s, %d sessions\n", result.Report.Machine.MachineID, len(result.Report.Sessions))
	fmt.Fprintln(tw, "ENDPOINT\tURL\tRESULT\tATTEMPTS")
	for _, r := range result.Results {
		outcome := fmt.Sprintf("ok (%d)", r.StatusCode)
		if !r.OK() {
			outcome = "failed: " + r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", r.Endpoint.Name, r.Endpoint.URL, outcome, r.Attempts)
	}
	_ = tw.Flush()
}
