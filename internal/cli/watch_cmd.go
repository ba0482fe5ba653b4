package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oremus-labs/taskstream/internal/cache"
	"github.com/oremus-labs/taskstream/internal/events"
	"github.com/oremus-labs/taskstream/internal/logutil"
	"github.com/oremus-labs/taskstream/internal/realtime"
	"github.com/oremus-labs/taskstream/internal/wsclient"
	"github.com/spf13/cobra"
)

var (
	watchDirect      bool
	watchMaxAttempts int
	watchFollow      bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [task-id]",
	Short: "Follow task events as they happen",
	Long: `watch prints status, progress, log and message events. With a task id only
that task is shown and the command exits once the task reaches a terminal
status. By default events come from the server's /events feed; --direct
connects to the context's stream URL instead and reconnects on its own.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cliCtx, err := resolvedContext()
		if err != nil {
			return err
		}
		var taskID string
		if len(args) == 1 {
			taskID = args[0]
		}
		w := &watcher{out: cmd.OutOrStdout(), taskID: taskID, exitOnTerminal: taskID != "" && !watchFollow}
		if watchDirect {
			if cliCtx.Stream == "" {
				return fmt.Errorf("context %q has no stream URL; set one with 'taskstream config set-context --stream'", cliCtx.Name)
			}
			return w.direct(cmd.Context(), cliCtx)
		}
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		return w.viaServer(cmd.Context(), client)
	},
}

type watcher struct {
	out            io.Writer
	taskID         string
	exitOnTerminal bool
}

// handle prints env and reports whether watching should continue.
func (w *watcher) handle(env events.Envelope) bool {
	if id := taskOf(env.Event); w.taskID != "" && id != "" && id != w.taskID {
		return true
	}
	if line, ok := formatEvent(env); ok {
		fmt.Fprintln(w.out, line)
	}
	if st, ok := env.Event.(events.TaskStatusUpdate); ok && w.exitOnTerminal {
		return !(cache.Task{Status: st.Status}).IsTerminal()
	}
	return true
}

func (w *watcher) viaServer(ctx context.Context, client *Client) error {
	err := client.StreamEvents(ctx, w.handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *watcher) direct(ctx context.Context, cliCtx *Context) error {
	logutil.SetQuiet(true)

	header := http.Header{}
	if cliCtx.Token != "" {
		header.Set("Authorization", "Bearer "+cliCtx.Token)
	}
	session := realtime.New(realtime.Options{
		Client: wsclient.Config{
			URL:                  cliCtx.Stream,
			Header:               header,
			MaxReconnectAttempts: watchMaxAttempts,
		},
		Sync: cache.Options{TaskID: w.taskID},
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, t := range realtime.StreamTypes {
		unsubscribe := session.Subscribe(t, func(env events.Envelope) {
			if !w.handle(env) {
				cancel()
			}
		})
		defer unsubscribe()
	}

	exhausted := make(chan error, 1)
	session.Client().OnError(func(err error) {
		if errors.Is(err, wsclient.ErrReconnectExhausted) {
			select {
			case exhausted <- err:
			default:
			}
		}
	})
	session.Client().OnStateChange(func(st wsclient.State) {
		if st.Phase == wsclient.PhaseReconnecting && st.ReconnectAttempts > 0 {
			printErrorLine("reconnecting (attempt %d)...", st.ReconnectAttempts)
		}
	})

	if err := session.Start(ctx); err != nil {
		_ = session.Close(context.Background())
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = session.Close(closeCtx)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-exhausted:
		return err
	}
}

func taskOf(ev events.Event) string {
	switch e := ev.(type) {
	case events.TaskStatusUpdate:
		return e.TaskID
	case events.TaskProgress:
		return e.TaskID
	case events.TaskLog:
		return e.TaskID
	case events.ThreadMessage:
		return e.TaskID
	}
	return ""
}

func init() {
	watchCmd.Flags().BoolVar(&watchDirect, "direct", false, "Connect to the stream URL instead of the server")
	watchCmd.Flags().IntVar(&watchMaxAttempts, "max-attempts", 10, "Reconnect attempts before giving up (--direct only)")
	watchCmd.Flags().BoolVar(&watchFollow, "follow", false, "Keep watching after the task finishes")
}
