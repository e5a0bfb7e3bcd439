package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinelfs/sentinelfs/internal/storage"
)

var errPeerIDRequired = errors.New("peer id is required")

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "peers",
		Aliases: []string{"peer"},
		Short:   "Inspect known peer records",
	}

	cmd.AddCommand(peersListCmd())
	cmd.AddCommand(peersRemoveCmd())

	return cmd
}

func peersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every known peer record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			peers, err := gw.AllPeers(cmd.Context())
			if err != nil {
				return fmt.Errorf("list peers: %w", err)
			}

			out, err := formatPeers(peers, outputFormat)
			if err != nil {
				return fmt.Errorf("format peers: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}
}

func peersRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <peer-id>",
		Short: "Forget a peer record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "" {
				return errPeerIDRequired
			}

			if err := gw.RemovePeer(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("peer %q: %w", args[0], err)
				}
				return fmt.Errorf("remove peer: %w", err)
			}

			fmt.Printf("Peer %s removed.\n", args[0])
			return nil
		},
	}
}
