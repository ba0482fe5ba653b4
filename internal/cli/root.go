package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	cfgFile       string
	contextName   string
	overrideURL   string
	overrideToken string
	outputFormat  string

	appConfig *Config
)

// Execute runs the CLI.
func Execute() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printErrorLine("Error: %v", err)
		return err
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "taskstream",
	Short: "Inspect and follow task activity",
	Long: `taskstream talks to a running taskstream server, or directly to the task
event stream, to show task state, logs and conversation threads as they change.
Most commands require a configured context (see 'taskstream config set-context').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Config commands load/save the file manually.
		if strings.HasPrefix(cmd.CommandPath(), "taskstream config") {
			return nil
		}
		if appConfig == nil {
			var err error
			appConfig, err = LoadConfig(cfgFile)
			if err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigPath(), "Path to the taskstream config file")
	rootCmd.PersistentFlags().StringVar(&contextName, "context", "", "Context name to use (overrides current)")
	rootCmd.PersistentFlags().StringVar(&overrideURL, "server", "", "Override API server URL")
	rootCmd.PersistentFlags().StringVar(&overrideToken, "token", "", "Override API token")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table|json|yaml")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(consumeCmd)
	rootCmd.AddCommand(configCmd)
}

// resolvedContext merges config state with flag overrides.
func resolvedContext() (*Context, error) {
	if appConfig == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	ctxName := contextName
	if ctxName == "" {
		ctxName = appConfig.CurrentContext
	}
	ctx, ok := appConfig.Contexts[ctxName]
	if !ok {
		if overrideURL == "" {
			return nil, fmt.Errorf("context %q not found; use 'taskstream config set-context'", ctxName)
		}
		ctx = Context{Name: "flags"}
	}
	if overrideURL != "" {
		ctx.Server = overrideURL
	}
	if overrideToken != "" {
		ctx.Token = overrideToken
	}
	if ctx.Server == "" && ctx.Stream == "" {
		return nil, fmt.Errorf("context %q has neither a server nor a stream URL", ctx.Name)
	}
	return &ctx, nil
}

func mustClient() (*Client, *Context, error) {
	ctx, err := resolvedContext()
	if err != nil {
		return nil, nil, err
	}
	if ctx.Server == "" {
		return nil, nil, fmt.Errorf("context %q is missing a server URL", ctx.Name)
	}
	client := &Client{
		BaseURL: ctx.Server,
		Token:   ctx.Token,
		Timeout: 15 * time.Second,
	}
	return client, ctx, nil
}

// writeOutput prints data for structured formats and reports whether it did.
// Table output is handled by the caller.
func writeOutput(cmd *cobra.Command, data interface{}) (bool, error) {
	switch strings.ToLower(outputFormat) {
	case "json":
		return true, printJSON(cmd.OutOrStdout(), data)
	case "yaml":
		return true, printYAML(cmd.OutOrStdout(), data)
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unsupported output format %q", outputFormat)
	}
}

func exitWithError(cmd *cobra.Command, err error) {
	cmd.SilenceUsage = true
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}
