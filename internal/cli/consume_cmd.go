package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/oremus-labs/taskstream/internal/queue"
	"github.com/oremus-labs/taskstream/internal/redisx"
	"github.com/spf13/cobra"
)

var (
	consumeRedisAddr string
	consumeRedisPass string
	consumeStream    string
	consumeGroup     string
	consumeName      string
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Read relayed events from a Redis stream consumer group",
	Long: `consume reads the durable event log the server appends when EVENTS_STREAM is
set. Each printed event is acknowledged, so several consumers sharing a group
split the log between them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := redisx.NewClient(redisx.Config{Addr: consumeRedisAddr, Password: consumeRedisPass})
		if err != nil {
			return err
		}
		if client == nil {
			return fmt.Errorf("--redis-addr is required")
		}
		defer client.Close()

		ctx := cmd.Context()
		consumer := queue.NewConsumer(client, consumeStream, consumeGroup, consumeName)
		if err := consumer.EnsureGroup(ctx); err != nil {
			return err
		}
		for {
			msg, err := consumer.Next(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return nil
				}
				if msg == nil {
					return err
				}
				printErrorLine("skipping %s: %v", msg.ID, err)
			} else if msg == nil {
				continue
			} else if line, ok := formatEvent(msg.Envelope); ok {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			if err := consumer.Ack(ctx, msg.ID); err != nil {
				return err
			}
		}
	},
}

func init() {
	consumeCmd.Flags().StringVar(&consumeRedisAddr, "redis-addr", "localhost:6379", "Redis address")
	consumeCmd.Flags().StringVar(&consumeRedisPass, "redis-password", "", "Redis password")
	consumeCmd.Flags().StringVar(&consumeStream, "stream", "taskstream:events", "Redis stream key")
	consumeCmd.Flags().StringVar(&consumeGroup, "group", "", "Consumer group (default taskstream-consumers)")
	consumeCmd.Flags().StringVar(&consumeName, "name", "", "Consumer name (default random)")
}
