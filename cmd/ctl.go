package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/baaaht/netlinkd/internal/config"
	"github.com/baaaht/netlinkd/pkg/daemon"
	"github.com/baaaht/netlinkd/pkg/ipc"
	"github.com/baaaht/netlinkd/pkg/netlink"
	"github.com/baaaht/netlinkd/pkg/types"
)

var ctlTimeout time.Duration

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Talk to a running daemon over its socket",
}

var ctlStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print connection manager statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			replies, err := c.Request(ctx, daemon.MsgGetStats, 0, nil)
			if err != nil {
				return err
			}
			if len(replies) != 1 {
				return types.NewError(types.ErrCodeInvalid, fmt.Sprintf("expected one reply, got %d", len(replies)))
			}
			var stats netlink.Stats
			if err := json.Unmarshal(replies[0].Payload, &stats); err != nil {
				return fmt.Errorf("failed to decode stats: %w", err)
			}
			fmt.Println(stats.String())
			return nil
		})
	},
}

var ctlConnsCmd = &cobra.Command{
	Use:   "conns",
	Short: "List live connections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			replies, err := c.Request(ctx, daemon.MsgListConns, netlink.FlagDump, nil)
			if err != nil {
				return err
			}
			fmt.Printf("%-12s %-10s %-8s %s\n", "HANDLE", "GROUPS", "PENDING", "REFS")
			for _, r := range replies {
				var info daemon.ConnInfo
				if err := json.Unmarshal(r.Payload, &info); err != nil {
					return fmt.Errorf("failed to decode connection: %w", err)
				}
				fmt.Printf("%-12s %#08x %-8d %d\n", info.Handle, info.Groups, info.Pending, info.Refs)
			}
			return nil
		})
	},
}

var ctlPublishCmd = &cobra.Command{
	Use:   "publish GROUP MESSAGE",
	Short: "Broadcast a message to a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		group, err := parseGroup(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			_, err := c.Request(ctx, daemon.MsgPublish, netlink.FlagAck,
				daemon.PublishPayload(uint32(group), []byte(args[1])))
			return err
		})
	},
}

var ctlListenCmd = &cobra.Command{
	Use:   "listen GROUP",
	Short: "Print notifications sent to a group until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		group, err := parseGroup(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client, err := ipc.Dial(ctx, cfg.IPC.SocketPath)
		if err != nil {
			return err
		}
		defer client.Close()

		subCtx, cancel := context.WithTimeout(ctx, ctlTimeout)
		err = client.Subscribe(subCtx, group)
		cancel()
		if err != nil {
			return err
		}

		for {
			resp, err := client.Receive(ctx)
			if err != nil {
				if types.IsErrCode(err, types.ErrCodeCanceled) {
					return nil
				}
				return err
			}
			fmt.Fprintf(os.Stdout, "type=%#x len=%d %s\n", resp.Header.Type, len(resp.Payload), resp.Payload)
		}
	},
}

var ctlDisconnectCmd = &cobra.Command{
	Use:   "disconnect HANDLE",
	Short: "Drop the client bound to a connection handle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := netlink.ParseHandle(args[0]); err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			_, err := c.Request(ctx, daemon.MsgDisconnect, netlink.FlagAck, []byte(args[0]))
			return err
		})
	},
}

// withClient connects to the configured socket and runs fn under the ctl timeout
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *ipc.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), ctlTimeout)
	defer cancel()

	client, err := ipc.Dial(ctx, cfg.IPC.SocketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, client)
}

func parseGroup(s string) (int, error) {
	group, err := strconv.Atoi(s)
	if err != nil || group < 1 || group > config.MaxGroup {
		return 0, fmt.Errorf("invalid group %q: must be between 1 and %d", s, config.MaxGroup)
	}
	return group, nil
}

func init() {
	ctlCmd.PersistentFlags().DurationVar(&ctlTimeout, "timeout", 5*time.Second, "Request timeout")
	ctlCmd.AddCommand(ctlStatsCmd, ctlConnsCmd, ctlPublishCmd, ctlListenCmd, ctlDisconnectCmd)
}
