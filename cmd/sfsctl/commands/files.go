package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sentinelfs/sentinelfs/internal/storage"
)

var errFilePathRequired = errors.New("file path is required")

func filesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "files",
		Aliases: []string{"file"},
		Short:   "Inspect the persisted file index",
	}

	cmd.AddCommand(filesListCmd())
	cmd.AddCommand(filesMarkSyncedCmd())
	cmd.AddCommand(filesRemoveCmd())

	return cmd
}

func filesListCmd() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List file records, optionally filtered to a root path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			files, err := gw.FilesIn(cmd.Context(), root)
			if err != nil {
				return fmt.Errorf("list files: %w", err)
			}

			out, err := formatFiles(files, outputFormat)
			if err != nil {
				return fmt.Errorf("format files: %w", err)
			}

			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "restrict output to files under this path")
	return cmd
}

func filesMarkSyncedCmd() *cobra.Command {
	var synced bool

	cmd := &cobra.Command{
		Use:   "mark-synced <path>",
		Short: "Set the synced flag on a file record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "" {
				return errFilePathRequired
			}

			if err := gw.MarkSynced(cmd.Context(), args[0], synced); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("file %q: %w", args[0], err)
				}
				return fmt.Errorf("mark synced: %w", err)
			}

			fmt.Printf("File %s marked synced=%t.\n", args[0], synced)
			return nil
		},
	}

	cmd.Flags().BoolVar(&synced, "synced", true, "value to set the synced flag to")
	return cmd
}

func filesRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <path>",
		Short: "Delete a file record from the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "" {
				return errFilePathRequired
			}

			if err := gw.RemoveFile(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("remove file: %w", err)
			}

			fmt.Printf("File record %s removed.\n", args[0])
			return nil
		},
	}
}
