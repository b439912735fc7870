package main

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opooladz/EOpod/internal/config"
	"github.com/opooladz/EOpod/internal/history"
	"github.com/opooladz/EOpod/internal/tpu"
)

// Resolve the profile named by -c/--config-name into a worker target.
func resolveTarget(cmd *cobra.Command, profileName string) (tpu.WorkerTarget, string, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return tpu.WorkerTarget{}, "", err
	}
	p, resolved, ok := cfg.Resolve(profileName)
	if !ok || !p.Complete() {
		return tpu.WorkerTarget{}, "", fmt.Errorf("configuration %q not found or incomplete; run 'eopod configure' first", resolved)
	}
	return tpu.WorkerTarget{
		Project:   p.Project,
		Zone:      p.Zone,
		SliceName: p.SliceName,
		Worker:    tpu.WorkerAll,
	}, resolved, nil
}

func openStore() (*history.Store, error) {
	if err := os.MkdirAll(config.DefaultDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return history.Open(history.DefaultPath())
}

func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	return table
}

// Save slice credentials under a named profile
func newConfigureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Configure eopod with your Google Cloud details",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project-id")
			zone, _ := cmd.Flags().GetString("zone")
			sliceName, _ := cmd.Flags().GetString("tpu-name")
			name, _ := cmd.Flags().GetString("name")

			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			cfg.Set(name, config.Profile{Project: project, Zone: zone, SliceName: sliceName})
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("configuration %q saved\n", name)
			return nil
		},
	}
	cmd.Flags().String("project-id", "", "Google Cloud project ID")
	cmd.Flags().String("zone", "", "Google Cloud zone")
	cmd.Flags().String("tpu-name", "", "TPU slice name")
	cmd.Flags().String("name", config.DefaultProfileName, "configuration name")
	_ = cmd.MarkFlagRequired("project-id")
	_ = cmd.MarkFlagRequired("zone")
	_ = cmd.MarkFlagRequired("tpu-name")
	return cmd
}

// Switch the active profile
func newSetActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-active <name>",
		Short: "Set the active configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.SetActive(args[0]); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("configuration %q is now active\n", args[0])
			return nil
		},
	}
}

// Show one or all profiles
func newShowConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show-config",
		Short: "Show current configuration(s)",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			if name != "" {
				p, resolved, ok := cfg.Resolve(name)
				if !ok {
					return fmt.Errorf("configuration %q not found", name)
				}
				table := newTable("Setting", "Value")
				table.Append([]string{"Name", resolved})
				table.Append([]string{"Project ID", p.Project})
				table.Append([]string{"Zone", p.Zone})
				table.Append([]string{"TPU Name", p.SliceName})
				table.Render()
				return nil
			}

			table := newTable("Name", "Project ID", "Zone", "TPU Name", "Active")
			for profileName, p := range cfg.Profiles {
				active := ""
				if profileName == cfg.Active {
					active = "*"
				}
				table.Append([]string{profileName, p.Project, p.Zone, p.SliceName, active})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().String("name", "", "show details for a specific configuration")
	return cmd
}

// Show the slice descriptor
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show TPU slice status and information",
		RunE: func(cmd *cobra.Command, args []string) error {
			profileName, _ := cmd.Flags().GetString("config-name")
			target, resolved, err := resolveTarget(cmd, profileName)
			if err != nil {
				return err
			}
			exec := tpu.NewExecutor(log.With().Str("profile", resolved).Logger())
			status, err := exec.Describe(cmd.Context(), target)
			if err != nil {
				return err
			}
			table := newTable("Property", "Value")
			table.Append([]string{"Name", status.Name})
			table.Append([]string{"State", status.State})
			table.Append([]string{"Type", status.AcceleratorType})
			table.Append([]string{"Network", status.Network})
			table.Append([]string{"API Version", status.APIVersion})
			table.Append([]string{"Workers", fmt.Sprintf("%d", status.WorkerCount())})
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringP("config-name", "c", config.DefaultProfileName, "configuration name to use")
	return cmd
}

// Show recent command runs
func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show command execution history",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.RecentCommands(cmd.Context(), 15)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no command history found")
				return nil
			}
			table := newTable("Timestamp", "Command", "Status", "Output (truncated)", "Config")
			for _, e := range entries {
				table.Append([]string{
					e.Timestamp.Local().Format(time.DateTime),
					e.Command,
					e.Status,
					clip(e.Output, 80),
					e.Profile,
				})
			}
			table.Render()
			return nil
		},
	}
}

// Show recent failures
func newErrorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "errors",
		Short: "Show recent command execution errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.RecentErrors(cmd.Context(), 50)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no error log found")
				return nil
			}
			table := newTable("Timestamp", "Command", "Error")
			for _, e := range entries {
				table.Append([]string{
					e.Timestamp.Local().Format(time.DateTime),
					e.Command,
					clip(e.Error, 200),
				})
			}
			table.Render()
			return nil
		},
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
