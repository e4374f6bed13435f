package mover

import (
	"github.com/spf13/cobra"
)

// NewCommand returns the moverd command. It is exported so tests can
// run the daemon in-process with the exact flag surface the binary
// has.
func NewCommand() *cobra.Command {
	var opts Options

	cmd := &cobra.Command{
		Use: "moverd",

		Short: "Game daemon moving players on an infinite plane",

		Long: `moverd follows a consensus node's ledger and interprets name updates
as movement orders: a move sets a direction and a step budget, and the
player advances one step per block until the budget runs out.

The processed state is served over JSON-RPC on the game RPC port.
`,

		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), opts)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.NodeURL, "spex_rpc_url", "", "Consensus node RPC URL including credentials")
	fs.IntVar(&opts.Port, "game_rpc_port", 0, "Port for the daemon's own RPC server")
	fs.StringVar(&opts.DataDir, "datadir", "", "Data directory for log and default database")
	fs.StringVar(&opts.GameID, "game_id", GameID, "Game ID to process")
	fs.StringVar(&opts.StorageType, "storage_type", "memory", "State storage backend (memory or sqlite)")
	fs.StringVar(&opts.DBPath, "db", "", "SQLite database file (defaults to one inside the data directory)")
	fs.IntVar(&opts.PruningDepth, "enable_pruning", -1, "Keep undo data only for this many blocks below the tip (negative keeps all)")
	fs.BoolVar(&opts.NoPendingMoves, "nopending_moves", false, "Disable tracking of unconfirmed moves")
	fs.BoolVar(&opts.RPCWait, "spex_rpc_wait", false, "Retry the initial node connection instead of failing")

	_ = cmd.MarkFlagRequired("spex_rpc_url")
	_ = cmd.MarkFlagRequired("game_rpc_port")
	_ = cmd.MarkFlagRequired("datadir")

	return cmd
}
