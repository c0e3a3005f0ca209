package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/proformatique/provd/internal/bootstrap"
	"github.com/proformatique/provd/internal/logging"
	"github.com/proformatique/provd/internal/pluginmgr"
)

// newPluginCmd wraps the plugin manager (internal/pluginmgr) for
// operator use outside the REST API (spec §4.3 / §6 /pg_mgr), grounded
// on the same HTTP catalog/installer servewires in serve.go.
func newPluginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Manage installed and installable provisioning plugins",
	}

	cmd.AddCommand(newPluginListCmd(), newPluginInstallCmd(), newPluginUninstallCmd())
	return cmd
}

func newPluginManager() (*pluginmgr.Manager, error) {
	cfg, err := bootstrap.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log)
	m := pluginmgr.New(
		&pluginmgr.HTTPCatalogSource{BaseURL: cfg.PluginServerURL},
		&pluginmgr.HTTPInstaller{BaseURL: cfg.PluginServerURL, PluginRoot: cfg.PluginRoot},
		cfg.PluginRoot,
		logger,
		map[string]any{},
	)
	limiter, err := newDownloadLimiter(cfg, logger)
	if err != nil {
		return nil, err
	}
	if limiter != nil {
		m.SetRateLimiter(limiter)
	}
	return m, nil
}

func newPluginListCmd() *cobra.Command {
	var installable bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed (or, with --installable, catalog) plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newPluginManager()
			if err != nil {
				return err
			}

			var records []pluginmgr.Record
			if installable {
				if _, err := m.Update(cmd.Context()); err != nil {
					return fmt.Errorf("plugin list: refresh catalog: %w", err)
				}
				records = m.ListInstallable()
			} else {
				records = m.ListInstalled()
			}

			if len(records) == 0 {
				fmt.Println("(none)")
				return nil
			}
			fmt.Printf("%-24s %-10s %s\n", "ID", "VERSION", "DESCRIPTION")
			for _, r := range records {
				fmt.Printf("%-24s %-10s %s\n", r.ID, r.Version, r.Description)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&installable, "installable", false, "show the remote catalog instead of what's installed")
	return cmd
}

func newPluginInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <id>",
		Short: "Download and install a plugin by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newPluginManager()
			if err != nil {
				return err
			}
			o, err := m.Install(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("plugin install: %w", err)
			}
			fmt.Printf("install started: %s\n", o.ID())
			return nil
		},
	}
}

func newPluginUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <id>",
		Short: "Unload and remove an installed plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newPluginManager()
			if err != nil {
				return err
			}
			if err := m.Uninstall(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("plugin uninstall: %w", err)
			}
			fmt.Printf("uninstalled %s\n", args[0])
			return nil
		},
	}
}
