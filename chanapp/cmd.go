package chanapp

import (
	"github.com/spf13/cobra"
)

// NewCommand returns the channeld command. It is exported so tests can
// run the daemon in-process with the exact flag surface the binary
// has.
func NewCommand() *cobra.Command {
	var opts Options

	cmd := &cobra.Command{
		Use: "channeld",

		Short: "Channel participant daemon",

		Long: `channeld takes part in one game channel on behalf of one player: it
follows the channel's on-chain lifecycle (create, dispute, resolve,
close), exchanges countersigned off-chain states with the other
participants over a broadcast server, and automatically answers
disputes filed below its best known state.

The channel view is served over JSON-RPC on the daemon's RPC port.
`,

		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), opts)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.NodeURL, "spex_rpc_url", "", "Consensus node RPC URL including credentials")
	fs.StringVar(&opts.BroadcastURL, "broadcast_rpc_url", "", "Off-chain broadcast server URL")
	fs.IntVar(&opts.Port, "rpc_port", 0, "Port for the daemon's own RPC server")
	fs.StringVar(&opts.DataDir, "datadir", "", "Data directory for the daemon log")
	fs.StringVar(&opts.PlayerName, "playername", "", "Player this daemon acts for")
	fs.StringVar(&opts.Channel, "channel", "", "Channel to take part in")
	fs.StringVar(&opts.GameID, "game_id", GameID, "Game ID to process")
	fs.BoolVar(&opts.RPCWait, "spex_rpc_wait", false, "Retry the initial node connection instead of failing")

	_ = cmd.MarkFlagRequired("spex_rpc_url")
	_ = cmd.MarkFlagRequired("broadcast_rpc_url")
	_ = cmd.MarkFlagRequired("rpc_port")
	_ = cmd.MarkFlagRequired("datadir")
	_ = cmd.MarkFlagRequired("playername")
	_ = cmd.MarkFlagRequired("channel")

	return cmd
}
