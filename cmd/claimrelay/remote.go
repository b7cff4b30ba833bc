package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/claimrelay/internal/client"
	"github.com/agentworkforce/claimrelay/internal/realtime"
)

// remoteOptions are the flags of commands that talk to a running server.
type remoteOptions struct {
	Server string
	Token  string
}

func (o *remoteOptions) register(cmd *cobra.Command) {
	server := os.Getenv("CLAIMRELAY_SERVER")
	if server == "" {
		server = "http://127.0.0.1:8080"
	}
	cmd.PersistentFlags().StringVar(&o.Server, "server", server, "base URL of the claimrelay server")
	cmd.PersistentFlags().StringVar(&o.Token, "token", os.Getenv("CLAIMRELAY_TOKEN"), "bearer token (default $CLAIMRELAY_TOKEN)")
}

func (o *remoteOptions) client() (*client.HTTPClient, error) {
	if strings.TrimSpace(o.Token) == "" {
		return nil, errors.New("a bearer token is required: pass --token or set CLAIMRELAY_TOKEN")
	}
	return client.NewHTTPClient(o.Server, o.Token, nil), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newWatchCommand(root *rootOptions) *cobra.Command {
	remote := &remoteOptions{}
	var (
		msgpack    bool
		maxBackoff time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live events for the token's actor",
		Long: `Connect to the live endpoint and print one JSON line per event.
Dropped connections are re-established with backoff until interrupted.

Example:
  claimrelay watch --server http://localhost:8080 --token $TOKEN`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			out := json.NewEncoder(cmd.OutOrStdout())
			ctx, stop := notifyContext(cmd)
			defer stop()
			err = c.Follow(ctx, client.StreamOptions{
				Msgpack:    msgpack,
				MaxBackoff: maxBackoff,
				Logger:     root.log(),
			}, func(env realtime.Envelope) {
				if err := out.Encode(env); err != nil {
					root.log().Warn("write event failed", "error", err)
				}
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	remote.register(cmd)
	cmd.Flags().BoolVar(&msgpack, "msgpack", false, "request binary msgpack frames")
	cmd.Flags().DurationVar(&maxBackoff, "max-backoff", 30*time.Second, "longest wait between reconnect attempts")
	return cmd
}

func newLeadsCommand(root *rootOptions) *cobra.Command {
	remote := &remoteOptions{}
	cmd := &cobra.Command{
		Use:   "leads",
		Short: "List and claim leads on a running server",
	}
	remote.register(cmd)

	var (
		unclaimed bool
		limit     int
	)
	list := &cobra.Command{
		Use:           "list",
		Short:         "List leads, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			leads, err := c.ListLeads(cmd.Context(), unclaimed, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), leads)
		},
	}
	list.Flags().BoolVar(&unclaimed, "unclaimed", false, "only leads nobody has claimed")
	list.Flags().IntVar(&limit, "limit", 0, "maximum number of leads")

	var extraJSON string
	claim := &cobra.Command{
		Use:   "claim <lead-id>",
		Short: "Claim a lead and print the resulting inquiry",
		Long: `Claim a lead as the token's actor. A lead that someone else already
claimed is reported as a conflict.

Example:
  claimrelay leads claim 4f1c... --extra '{"budget":"10k"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var extra map[string]any
			if strings.TrimSpace(extraJSON) != "" {
				if err := json.Unmarshal([]byte(extraJSON), &extra); err != nil {
					return fmt.Errorf("--extra must be a JSON object: %w", err)
				}
			}
			c, err := remote.client()
			if err != nil {
				return err
			}
			inquiry, err := c.ClaimLead(cmd.Context(), args[0], extra)
			if err != nil {
				var conflict *client.ConflictError
				if errors.As(err, &conflict) {
					return fmt.Errorf("lead %s was not claimed: %s", args[0], conflict.Message)
				}
				return err
			}
			root.log().Debug("lead claimed", "lead_id", args[0], "inquiry_code", inquiry.Code)
			return printJSON(cmd.OutOrStdout(), inquiry)
		},
	}
	claim.Flags().StringVar(&extraJSON, "extra", "", "JSON object of extra inquiry fields")

	inquiry := &cobra.Command{
		Use:           "inquiry <code>",
		Short:         "Look up an inquiry by its display code",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			found, err := c.GetInquiryByCode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), found)
		},
	}

	cmd.AddCommand(list, claim, inquiry)
	return cmd
}

func newNotificationsCommand(root *rootOptions) *cobra.Command {
	remote := &remoteOptions{}
	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"notif"},
		Short:   "Read and acknowledge notifications on a running server",
	}
	remote.register(cmd)

	var (
		unread bool
		limit  int
	)
	list := &cobra.Command{
		Use:           "list",
		Short:         "List the token actor's notifications",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			items, err := c.ListNotifications(cmd.Context(), unread, limit)
			if err != nil {
				return err
			}
			count, err := c.UnreadCount(cmd.Context())
			if err != nil {
				return err
			}
			root.log().Debug("notifications fetched", "items", len(items), "unread", count)
			return printJSON(cmd.OutOrStdout(), map[string]any{"items": items, "unreadCount": count})
		},
	}
	list.Flags().BoolVar(&unread, "unread", false, "only unread notifications")
	list.Flags().IntVar(&limit, "limit", 0, "maximum number of notifications")

	read := &cobra.Command{
		Use:           "read [notification-id]",
		Short:         "Mark one notification, or all of them, as read",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := remote.client()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				n, err := c.MarkRead(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), n)
			}
			updated, err := c.MarkAllRead(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "marked %d notifications as read\n", updated)
			return nil
		},
	}

	cmd.AddCommand(list, read)
	return cmd
}
