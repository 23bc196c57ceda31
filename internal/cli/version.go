package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/entitycache/pkg/entitycache"
)

const modulePath = "github.com/mesh-intelligence/entitycache"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the entcache version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "entcache v%s\nmodule: %s\n", entitycache.Version, modulePath)
			return nil
		},
	}
}
