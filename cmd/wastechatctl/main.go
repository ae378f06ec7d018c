package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/wastechat/internal/api"
	"github.com/matheus3301/wastechat/internal/profile"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// dial is replaced in tests.
var dial = func(socketPath string) (*api.Client, error) { return api.Dial(socketPath) }

type rootOptions struct {
	profile string
	json    bool
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "wastechatctl",
		Short:         "Control a wastechat daemon",
		Long:          "wastechatctl talks to the wastechatd daemon of a profile over its Unix socket.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.profile, "profile", "", "profile name (overrides config default)")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "output in JSON format")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-call timeout")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newSendCmd(opts))
	cmd.AddCommand(newMessagesCmd(opts))
	cmd.AddCommand(newOlderCmd(opts))
	cmd.AddCommand(newQueueCmd(opts))
	cmd.AddCommand(newRegenerateCmd(opts))
	cmd.AddCommand(newStopCmd(opts))
	cmd.AddCommand(newChatCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	cmd.AddCommand(newCleanupCmd(opts))
	cmd.AddCommand(newClearCmd(opts))
	cmd.AddCommand(newProfilesCmd(opts))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wastechatctl %s (commit: %s)\n", Version, Commit)
		},
	}
}

func (o *rootOptions) client() (*api.Client, error) {
	name := profile.Resolve(o.profile)
	if err := profile.ValidateName(name); err != nil {
		return nil, err
	}
	c, err := dial(profile.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	return c, nil
}

// run dials the daemon and calls fn with a timeout-bound context.
func (o *rootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, c *api.Client) error) error {
	c, err := o.client()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()
	return fn(ctx, c)
}

// output prints v as JSON with --json, otherwise calls text.
func (o *rootOptions) output(cmd *cobra.Command, v any, text func()) error {
	if o.json {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
