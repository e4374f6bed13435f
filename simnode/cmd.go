package simnode

import (
	"log/slog"

	"github.com/spf13/cobra"
)

// NewCommand returns the spexnoded command, exported so tests can run
// the node in-process.
func NewCommand(log *slog.Logger) *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use: "spexnoded",

		Short: "Simulated consensus node for integration tests",

		Long: `spexnoded serves a deterministic regtest ledger over the consensus
node's wire interface: JSON-RPC over HTTP plus a websocket push stream.
Blocks only exist when generated through RPC, so tests fully control
the chain, including forced reorganisations via invalidateblock.
`,

		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := Load(log, dataDir)
			if err != nil {
				return err
			}
			return s.Serve(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&dataDir, "datadir", "", "Data directory containing "+ConfFileName)
	_ = cmd.MarkFlagRequired("datadir")

	return cmd
}
