package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/matheus3301/wastechat/internal/api"
	"github.com/matheus3301/wastechat/internal/profile"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, stream and store status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return opts.output(cmd, st, func() {
					w := cmd.OutOrStdout()
					stream, _ := st["stream"].(map[string]any)
					stats, _ := st["store"].(map[string]any)
					uptime, _ := st["uptime_ms"].(float64)
					fmt.Fprintf(w, "Profile:  %s\n", st["profile"])
					fmt.Fprintf(w, "Uptime:   %s\n", (time.Duration(uptime) * time.Millisecond).Round(time.Second))
					fmt.Fprintf(w, "Chat:     %s\n", orNone(st["chat_id"]))
					fmt.Fprintf(w, "Stream:   %s %s\n", stream["state"], stream["stage"])
					fmt.Fprintf(w, "Messages: %v (queued %v)\n", st["messages"], st["queued"])
					fmt.Fprintf(w, "Store:    %v messages, %v unsynced, %v chats\n", stats["messages"], stats["unsynced"], stats["chats"])
					if le, ok := st["last_error"].(map[string]any); ok {
						fmt.Fprintf(w, "Last error: %s\n", le["error"])
					}
				})
			})
		},
	}
}

func orNone(v any) any {
	if s, ok := v.(string); !ok || s == "" {
		return "(none)"
	}
	return v
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [namespace]",
		Short: `Print daemon events as they happen ("stream.", "pipeline.", "store.")`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			namespace := ""
			if len(args) == 1 {
				namespace = args[0]
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			w, err := c.Watch(cmd.Context(), namespace)
			if err != nil {
				return err
			}
			for {
				evt, err := w.Recv()
				if errors.Is(err, io.EOF) || grpcstatus.Code(err) == codes.Canceled {
					return nil
				}
				if err != nil {
					return err
				}
				if err := opts.output(cmd, evt, func() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", evt["kind"], evt["payload"])
				}); err != nil {
					return err
				}
			}
		},
	}
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var chatID string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Evict expired local records now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.Cleanup(ctx, chatID)
				if err != nil {
					return err
				}
				return opts.output(cmd, out, func() {
					fmt.Fprintf(cmd.OutOrStdout(), "Evicted %v records.\n", out["deleted"])
				})
			})
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "limit to one chat")
	return cmd
}

func newClearCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Wipe the local message store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				if err := c.Clear(ctx); err != nil {
					return err
				}
				return opts.output(cmd, map[string]any{"cleared": true}, func() {
					fmt.Fprintln(cmd.OutOrStdout(), "Local store cleared.")
				})
			})
		},
	}
}

func newProfilesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List local profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := profile.List()
			if err != nil {
				return err
			}
			active := profile.Resolve(opts.profile)
			return opts.output(cmd, map[string]any{"profiles": names, "active": active}, func() {
				if len(names) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No profiles found.")
					return
				}
				for _, n := range names {
					mark := " "
					if n == active {
						mark = "*"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mark, n)
				}
			})
		},
	}
}
