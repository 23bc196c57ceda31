package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/entitycache/internal/paths"
	"github.com/mesh-intelligence/entitycache/pkg/sqlite"
)

func newInitCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration and storage",
		Long:  "Create the configuration directory with a default config.yaml, then create the data directory and database.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, err := paths.ResolveConfigDir(f.configDir)
			if err != nil {
				return sysError("resolve config dir: %w", err)
			}
			if _, err := ensureDefaultConfigFile(configDir); err != nil {
				return sysError("%w", err)
			}

			cfg, err := loadConfig(f)
			if err != nil {
				return userError("%w", err)
			}

			store := sqlite.NewBackend()
			if err := store.Attach(cfg); err != nil {
				return sysError("initialize storage: %w", err)
			}
			if err := store.Detach(); err != nil {
				return sysError("finalize storage: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "entcache initialized successfully")
			fmt.Fprintln(out, "  config:", configDir)
			fmt.Fprintln(out, "  data:  ", cfg.DataDir)
			return nil
		},
	}
}
