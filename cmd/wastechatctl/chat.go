package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/matheus3301/wastechat/internal/api"
	"github.com/spf13/cobra"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Manage chats",
	}
	cmd.AddCommand(newChatListCmd(opts))
	cmd.AddCommand(newChatNewCmd(opts))
	cmd.AddCommand(newChatOpenCmd(opts))
	cmd.AddCommand(newChatRenameCmd(opts))
	cmd.AddCommand(newChatDeleteCmd(opts))
	return cmd
}

func newChatListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List chats on the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.ListChats(ctx)
				if err != nil {
					return err
				}
				return opts.output(cmd, out, func() {
					chats, _ := out["chats"].([]any)
					if len(chats) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "No chats.")
						return
					}
					for _, v := range chats {
						s, _ := v.(map[string]any)
						fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-40s %v messages\n", s["id"], s["title"], s["message_count"])
					}
				})
			})
		},
	}
}

func newChatNewCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "new [title...]",
		Short: "Start a new chat and make it the open one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.NewChat(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				return opts.output(cmd, out, func() {
					fmt.Fprintf(cmd.OutOrStdout(), "Opened new chat %s (%s).\n", out["id"], out["title"])
				})
			})
		},
	}
}

func newChatOpenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open <chat-id>",
		Short: "Open an existing chat, merging local and server history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.OpenChat(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.output(cmd, out, func() {
					fmt.Fprintf(cmd.OutOrStdout(), "Opened chat %s: %v messages (older: %v).\n",
						out["chat_id"], out["messages"], out["has_more"])
				})
			})
		},
	}
}

func newChatRenameCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <chat-id> <title...>",
		Short: "Rename a chat",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.RenameChat(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				return opts.output(cmd, out, func() {
					fmt.Fprintf(cmd.OutOrStdout(), "Renamed to %q.\n", out["title"])
				})
			})
		},
	}
}

func newChatDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <chat-id>",
		Short: "Delete a chat on the backend and its local records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				if err := c.DeleteChat(ctx, args[0]); err != nil {
					return err
				}
				return opts.output(cmd, map[string]any{"deleted": args[0]}, func() {
					fmt.Fprintln(cmd.OutOrStdout(), "Deleted.")
				})
			})
		},
	}
}
