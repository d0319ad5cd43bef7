package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"fleetsync/services/registry"
)

func writeMachines(w io.Writer, machines []registry.MachineView, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOSTNAME\tIP\tGROUP\tSTATUS\tSESSIONS\tLAST SEEN\tSOURCE")
	for _, m := range machines {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			m.Hostname, dash(m.IP), dash(m.DashboardGroup), m.Status, m.SessionCount, ago(now, m.LastSeen), m.Source)
	}
	return tw.Flush()
}

func writeMachineDetail(w io.Writer, d registry.MachineDetail, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Machine:\t%s\n", d.MachineID)
	fmt.Fprintf(tw, "Hostname:\t%s\n", d.Hostname)
	fmt.Fprintf(tw, "IP:\t%s\n", dash(d.IP))
	fmt.Fprintf(tw, "OS:\t%s\n", dash(d.OS))
	fmt.Fprintf(tw, "Group:\t%s\n", dash(d.DashboardGroup))
	fmt.Fprintf(tw, "Mode:\t%s\n", dash(string(d.FleetMode)))
	fmt.Fprintf(tw, "Status:\t%s (last seen %s)\n", d.Status, ago(now, d.LastSeen))
	fmt.Fprintf(tw, "Backup status:\t%t\n", d.HasBackup)
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tDIVISION\tPROJECT\tTEAM\tWINDOWS\tATTACHED\tUPTIME")
	for _, s := range d.Report.Sessions {
		project := "-"
		if s.Project != nil {
			project = *s.Project
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
			s.Name, s.Division, project, s.Team, s.Windows, s.Attached, time.Duration(s.UptimeSeconds)*time.Second)
	}
	return tw.Flush()
}

func writeFleetStatus(w io.Writer, status registry.FleetStatus) error {
	t := status.Totals
	fmt.Fprintf(w, "%d machines (%d active, %d stale), %d sessions\n", t.Machines, t.Active, t.Stale, t.Sessions)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tACTIVE\tSTALE\tSESSIONS\tMACHINES")
	for _, g := range status.Groups {
		hosts := make([]string, 0, len(g.Machines))
		for _, m := range g.Machines {
			hosts = append(hosts, m.Hostname)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", g.Name, g.Active, g.Stale, len(g.Sessions), strings.Join(hosts, ","))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}
