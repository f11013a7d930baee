package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/autoreg/internal/classifier"
)

// Version is set at build time:
// go build -ldflags "-X github.com/xkilldash9x/autoreg/cmd.Version=1.2.0"
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and the field kinds version templates are checked against",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "autoreg %s (field kinds %s)\n", Version, classifier.RulesVersion())
			return nil
		},
	}
}
