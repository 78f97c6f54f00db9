package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/gopherchef/internal/types"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatListCmd, chatClearCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Manage chats",
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all chats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		st, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer st.backend.Close()

		ctx := context.Background()
		list, err := st.chats.List(ctx)
		if err != nil {
			return fmt.Errorf("list chats: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No chats found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY\tEVENTS\tSNAPSHOTS\tPERSISTED\tUPDATED")
		for _, c := range list {
			count, err := st.events.Count(ctx, c.ChatID)
			if err != nil {
				count = 0
			}
			snaps, err := st.backend.ListSnapshots(ctx, c.ChatID)
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}
			persisted := "-"
			if stored, err := st.backend.LoadMessages(ctx, c.ChatID); err == nil && stored != nil {
				persisted = fmt.Sprintf("%d:%d", stored.LastMessageRank, stored.PartIndex)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
				c.ChatID,
				c.ChatKey,
				count,
				len(snaps),
				persisted,
				c.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var chatClearCmd = &cobra.Command{
	Use:   "clear <id>",
	Short: "Drop a chat's persisted messages, journal and snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		st, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer st.backend.Close()

		ctx := context.Background()
		chatID := types.ChatID(args[0])
		if _, err := st.chats.Get(ctx, chatID); err != nil {
			return err
		}

		snaps, err := st.backend.ListSnapshots(ctx, chatID)
		if err != nil {
			return fmt.Errorf("list snapshots: %w", err)
		}
		var errs []error
		for _, ref := range snaps {
			if err := st.blobs.Delete(ctx, ref.StorageID); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := st.backend.DeleteSnapshot(ctx, ref.ID); err != nil {
				errs = append(errs, err)
			}
		}
		if err := st.backend.DeleteMessages(ctx, chatID); err != nil {
			errs = append(errs, err)
		}
		if err := st.events.Clear(ctx, chatID); err != nil {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("clear chat %s: %w", chatID, err)
		}

		fmt.Fprintf(os.Stdout, "Chat %s cleared (%d snapshots removed).\n", chatID, len(snaps))
		return nil
	},
}
