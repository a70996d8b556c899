package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/doughall/zfsbroker/internal/broker"
	"github.com/doughall/zfsbroker/internal/journal"
	"github.com/doughall/zfsbroker/internal/sysinfo"
	"github.com/doughall/zfsbroker/internal/systemd"
	"github.com/doughall/zfsbroker/internal/version"
)

// probeTimeout bounds the status command's connection check.
const probeTimeout = 3 * time.Second

func newInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install or reinstall the privileged helper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.broker.Install(cmd.Context()); err != nil {
				return err
			}
			return newOutputFormatter(cmd).Success("helper "+version.HelperVersion+" installed", map[string]any{
				"helper_version": version.HelperVersion,
				"path":           a.cfg.HelperInstallPath,
			})
		},
	}
}

// statusReport is printed by the status command.
type statusReport struct {
	Connection    string             `json:"connection"`
	Reachable     bool               `json:"reachable"`
	ProbeResult   string             `json:"probe_result"`
	ProbeError    string             `json:"probe_error,omitempty"`
	Installed     string             `json:"installed_version"`
	Bundled       string             `json:"bundled_version"`
	NeedsInstall  bool               `json:"needs_install"`
	InstallReason string             `json:"install_reason"`
	Unit          *systemd.UnitState `json:"unit,omitempty"`
	UnitError     string             `json:"unit_error,omitempty"`
	JournalCount  int                `json:"journal_entries"`
	Host          *sysinfo.HostInfo  `json:"host,omitempty"`
	Mounts        []sysinfo.Mount    `json:"mounts"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show helper installation and connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			report := a.status(cmd.Context())
			out := newOutputFormatter(cmd)
			if out.jsonMode {
				return out.Print(report)
			}
			return printStatus(out.w, report)
		},
	}
}

// status probes the helper without installing it. A failed probe is part of
// the report, not an error.
func (a *app) status(ctx context.Context) statusReport {
	info := a.installer.Inspect(ctx)
	report := statusReport{
		Installed:     info.Installed,
		Bundled:       info.Bundled,
		NeedsInstall:  info.NeedsInstall(),
		InstallReason: info.Reason(),
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	done := make(chan error, 1)
	a.broker.ExecuteWithRetries(probeCtx, func(context.Context, broker.Remote) error {
		return nil
	}, func(err error) { done <- err }, 0)
	probeErr := <-done

	report.Reachable = probeErr == nil
	report.ProbeResult = broker.Kind(probeErr)
	if probeErr != nil {
		report.ProbeError = probeErr.Error()
	}
	report.Connection = a.broker.State().String()

	unit, err := systemd.QueryUnit(ctx, a.cfg.HelperUnit)
	if err != nil {
		report.UnitError = err.Error()
	} else {
		report.Unit = &unit
	}

	if a.journal != nil {
		report.JournalCount, _ = a.journal.Count()
	}

	if host, err := sysinfo.Collect(ctx); err == nil {
		report.Host = host
	}
	mounts, err := sysinfo.ZFSMounts(ctx)
	if err != nil {
		a.logger.Warn("failed to list zfs mounts", slog.String("error", err.Error()))
	}
	report.Mounts = mounts
	return report
}

func printStatus(w io.Writer, r statusReport) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Connection:\t%s\n", r.Connection)
	if r.Reachable {
		fmt.Fprintf(tw, "Helper:\treachable\n")
	} else {
		fmt.Fprintf(tw, "Helper:\tunreachable (%s)\n", r.ProbeError)
	}
	fmt.Fprintf(tw, "Installed version:\t%s\n", r.Installed)
	fmt.Fprintf(tw, "Bundled version:\t%s\n", r.Bundled)
	fmt.Fprintf(tw, "Installation:\t%s\n", r.InstallReason)
	if r.Unit != nil {
		fmt.Fprintf(tw, "Unit %s:\t%s (%s)\n", r.Unit.Name, r.Unit.ActiveState, r.Unit.SubState)
	} else {
		fmt.Fprintf(tw, "Unit:\t%s\n", r.UnitError)
	}
	fmt.Fprintf(tw, "Journal entries:\t%d\n", r.JournalCount)
	if r.Host != nil {
		fmt.Fprintf(tw, "Kernel:\t%s (%s)\n", r.Host.KernelVersion, r.Host.KernelArch)
		module := r.Host.ZFSModule
		if module == "" {
			module = "not loaded"
		}
		fmt.Fprintf(tw, "ZFS module:\t%s\n", module)
	}
	fmt.Fprintf(tw, "Mounted ZFS filesystems:\t%d\n", len(r.Mounts))
	for _, m := range r.Mounts {
		fmt.Fprintf(tw, "  %s\t%s\t%.1f%% used\n", m.Filesystem, m.Mountpoint, m.UsedPercent)
	}
	return tw.Flush()
}

func newHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent operations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			j, err := journal.Open(cfg.JournalPath, cfg.JournalMaxEntries)
			if err != nil {
				return fmt.Errorf("%w (is the daemon running?)", err)
			}
			defer j.Close()

			entries, err := j.Recent(limit)
			if err != nil {
				return err
			}
			out := newOutputFormatter(cmd)
			if out.jsonMode {
				return out.Print(historyJSON(entries))
			}
			return printHistory(out.w, entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}

func historyJSON(entries []*journal.Entry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		row := map[string]any{
			"id":          e.ID,
			"command":     e.Command,
			"target":      e.Target,
			"started_at":  e.StartedAt.Format(time.RFC3339),
			"duration_ms": e.DurationMs,
			"result":      e.Result,
		}
		if e.Action != "" {
			row["action"] = e.Action
		}
		if e.Error != "" {
			row["error"] = e.Error
		}
		out = append(out, row)
	}
	return out
}

func printHistory(w io.Writer, entries []*journal.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "no operations recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tCOMMAND\tTARGET\tRESULT\tDURATION")
	for _, e := range entries {
		command := e.Command
		if e.Action != "" {
			command += " (" + e.Action + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.StartedAt.Local().Format("2006-01-02 15:04:05"),
			command,
			e.Target,
			e.Result,
			(time.Duration(e.DurationMs) * time.Millisecond).String(),
		)
	}
	return tw.Flush()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show broker and bundled helper versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newOutputFormatter(cmd)
			if out.jsonMode {
				return out.Print(map[string]string{
					"version":        version.Version,
					"helper_version": version.HelperVersion,
					"commit":         version.Commit,
					"build_time":     version.BuildTime,
				})
			}
			_, err := fmt.Fprintln(out.w, version.Info())
			return err
		},
	}
}
