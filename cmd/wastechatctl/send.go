package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/wastechat/internal/api"
	"github.com/spf13/cobra"
)

func newSendCmd(opts *rootOptions) *cobra.Command {
	var (
		image string
		wait  bool
	)
	cmd := &cobra.Command{
		Use:   "send <text...>",
		Short: "Send a message, or queue it while a reply is being generated",
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if strings.TrimSpace(text) == "" && image == "" {
				return fmt.Errorf("nothing to send")
			}
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				res, err := c.Send(ctx, text, image)
				if err != nil {
					return err
				}
				if res["queued"] == true || !wait {
					return opts.output(cmd, res, func() {
						if res["queued"] == true {
							fmt.Fprintln(cmd.OutOrStdout(), "Queued.")
						} else {
							fmt.Fprintf(cmd.OutOrStdout(), "Sent to chat %s.\n", res["chat_id"])
						}
					})
				}
				reply, err := waitForReply(ctx, c)
				if err != nil {
					return err
				}
				return opts.output(cmd, reply, func() {
					printMessage(cmd, reply)
				})
			})
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "path of an image to attach")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the reply and print it")
	return cmd
}

// waitForReply polls until the newest assistant message leaves streaming.
func waitForReply(ctx context.Context, c *api.Client) (map[string]any, error) {
	var target string
	for {
		out, err := c.Messages(ctx)
		if err != nil {
			return nil, err
		}
		msgs := messageList(out)
		for i := len(msgs) - 1; i >= 0 && target == ""; i-- {
			if msgs[i]["role"] == "assistant" {
				target, _ = msgs[i]["client_id"].(string)
			}
		}
		for _, m := range msgs {
			if m["client_id"] == target && m["status"] != "streaming" {
				return m, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for reply: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func newMessagesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "messages",
		Short: "Show the messages of the open chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.Messages(ctx)
				if err != nil {
					return err
				}
				return opts.output(cmd, out, func() {
					msgs := messageList(out)
					if len(msgs) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "No messages.")
						return
					}
					for _, m := range msgs {
						printMessage(cmd, m)
					}
				})
			})
		},
	}
}

func newOlderCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "older",
		Short: "Load the previous page of history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.LoadOlder(ctx)
				if err != nil {
					return err
				}
				return opts.output(cmd, out, func() {
					fmt.Fprintf(cmd.OutOrStdout(), "Loaded %v older messages (more: %v).\n", out["added"], out["has_more"])
				})
			})
		},
	}
}

func newQueueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List messages waiting for the current reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.Queue(ctx)
				if err != nil {
					return err
				}
				return opts.output(cmd, out, func() {
					q, _ := out["queue"].([]any)
					if len(q) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
						return
					}
					for _, v := range q {
						m, _ := v.(map[string]any)
						fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", m["id"], m["content"])
					}
				})
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a queued message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.RemoveQueued(ctx, args[0])
				if err != nil {
					return err
				}
				if out["removed"] != true {
					return fmt.Errorf("no queued message %s", args[0])
				}
				return opts.output(cmd, out, func() { fmt.Fprintln(cmd.OutOrStdout(), "Removed.") })
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "send <id>",
		Short: "Send a queued message now, or move it to the front",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.SendQueued(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.output(cmd, out, func() {
					if out["queued"] == true {
						fmt.Fprintln(cmd.OutOrStdout(), "Moved to the front of the queue.")
					} else {
						fmt.Fprintln(cmd.OutOrStdout(), "Sent.")
					}
				})
			})
		},
	})
	return cmd
}

func newRegenerateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "regenerate <message-id>",
		Short: "Discard an assistant reply and everything after it, then ask again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				if err := c.Regenerate(ctx, args[0]); err != nil {
					return err
				}
				return opts.output(cmd, map[string]any{"regenerating": args[0]}, func() {
					fmt.Fprintln(cmd.OutOrStdout(), "Regenerating.")
				})
			})
		},
	}
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the reply being generated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *api.Client) error {
				if err := c.Stop(ctx); err != nil {
					return err
				}
				return opts.output(cmd, map[string]any{"stopped": true}, func() {
					fmt.Fprintln(cmd.OutOrStdout(), "Stopped.")
				})
			})
		},
	}
}

func messageList(out map[string]any) []map[string]any {
	raw, _ := out["messages"].([]any)
	msgs := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

func printMessage(cmd *cobra.Command, m map[string]any) {
	marker := ""
	switch m["status"] {
	case "pending", "streaming":
		marker = " …"
	case "failed":
		marker = " (failed)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s%s\n", m["id"], m["role"], m["content"], marker)
	if u, _ := m["image_url"].(string); u != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "    image: %s\n", u)
	}
}
