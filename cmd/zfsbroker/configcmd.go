package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/doughall/zfsbroker/internal/config"
	"github.com/doughall/zfsbroker/internal/scheduler"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the broker configuration file",
	}
	cmd.AddCommand(newConfigInitCommand())
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var (
		force  bool
		scrubs map[string]string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to the --config path",
		Long: `Write the configuration in effect (defaults plus any existing file) to the
path given by --config, so it can be edited. Scrub schedules given with --scrub
are merged in. An existing file is only replaced with --force.`,
		Example: `  zfsbroker config init --config ~/.config/zfsbroker/config.yaml --scrub tank=@weekly`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return &exitError{code: exitUsage, err: fmt.Errorf("%s already exists (use --force to replace it)", path)}
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			for pool, expr := range scrubs {
				if err := scheduler.ValidateSchedule(expr); err != nil {
					return &exitError{code: exitUsage, err: fmt.Errorf("--scrub %s: %w", pool, err)}
				}
				if cfg.ScrubSchedules == nil {
					cfg.ScrubSchedules = make(map[string]string)
				}
				cfg.ScrubSchedules[pool] = expr
			}

			if err := config.Save(path, cfg); err != nil {
				return err
			}
			return newOutputFormatter(cmd).Success("wrote "+path, map[string]any{
				"path":            path,
				"scrub_schedules": len(cfg.ScrubSchedules),
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing file")
	cmd.Flags().StringToStringVar(&scrubs, "scrub", nil, "scrub schedule as pool=cron (repeatable)")
	return cmd
}
