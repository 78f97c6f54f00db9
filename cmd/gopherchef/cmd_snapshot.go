package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/gopherchef/internal/sandbox"
	"github.com/user/gopherchef/internal/snapshot"
	"github.com/user/gopherchef/internal/types"
)

var pruneKeep int

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotListCmd, snapshotRestoreCmd, snapshotPruneCmd)
	snapshotPruneCmd.Flags().IntVar(&pruneKeep, "keep", 0, "snapshots to keep per chat (default from config)")
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage workspace snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list <chat-id>",
	Short: "List a chat's snapshots, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		st, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer st.backend.Close()

		refs, err := st.backend.ListSnapshots(context.Background(), types.ChatID(args[0]))
		if err != nil {
			return fmt.Errorf("list snapshots: %w", err)
		}
		if len(refs) == 0 {
			fmt.Println("No snapshots found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSESSION\tSTORAGE\tCREATED")
		for _, ref := range refs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				ref.ID,
				ref.SessionID,
				ref.StorageID,
				ref.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <chat-id> <snapshot-id>",
	Short: "Restore a snapshot into the chat's workspace (daemon must not serve the chat)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		st, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer st.backend.Close()

		ctx := context.Background()
		chatID := types.ChatID(args[0])
		ref, err := st.backend.GetSnapshot(ctx, types.SnapshotID(args[1]))
		if err != nil {
			return err
		}
		if ref.ChatID != chatID {
			return fmt.Errorf("snapshot %s belongs to chat %s", ref.ID, ref.ChatID)
		}

		sb, err := sandbox.NewLocal(cfg.WorkspaceFor(string(chatID)), cfg.Actions.Shell, cfg.Snapshot.Excludes)
		if err != nil {
			return err
		}
		svc := snapshot.New(chatID, "", sb, st.backend, st.blobs, snapshot.Options{Excludes: cfg.Snapshot.Excludes})
		defer svc.Close()
		if err := svc.RestoreSnapshot(ctx, ref); err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "Restored snapshot %s into %s.\n", ref.ID, sb.Root())
		return nil
	},
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete superseded snapshots of every chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		st, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer st.backend.Close()

		keep := cfg.Snapshot.Keep
		if pruneKeep > 0 {
			keep = pruneKeep
		}
		ctx := context.Background()
		n, err := snapshot.Prune(ctx, st.backend, st.blobs, keep)
		if err != nil {
			return err
		}
		targets, err := st.backend.PruneExpiredTargets(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Removed %d snapshots and %d expired upload targets.\n", n, targets)
		return nil
	},
}
