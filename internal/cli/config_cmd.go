package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
}

var configSetContextCmd = &cobra.Command{
	Use:   "set-context <name>",
	Short: "Create or update a context",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		server, _ := cmd.Flags().GetString("server")
		stream, _ := cmd.Flags().GetString("stream")
		token, _ := cmd.Flags().GetString("token")
		makeCurrent, _ := cmd.Flags().GetBool("current")

		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		if _, exists := cfg.Contexts[name]; !exists && server == "" && stream == "" {
			exitWithError(cmd, fmt.Errorf("--server or --stream is required"))
			return
		}
		setContext(cfg, Context{
			Name:   name,
			Server: server,
			Stream: stream,
			Token:  token,
		}, makeCurrent)
		if err := SaveConfig(cfg, cfgFile); err != nil {
			exitWithError(cmd, err)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Context %q updated.\n", name)
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Switch the current context",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		if err := ensureContextExists(cfg, args[0]); err != nil {
			exitWithError(cmd, err)
			return
		}
		cfg.CurrentContext = args[0]
		if err := SaveConfig(cfg, cfgFile); err != nil {
			exitWithError(cmd, err)
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Switched to context %q.\n", args[0])
	},
}

var configCurrentContextCmd = &cobra.Command{
	Use:   "current-context",
	Short: "Print the current context",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		if cfg.CurrentContext == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "No context configured.")
			return
		}
		fmt.Fprintln(cmd.OutOrStdout(), cfg.CurrentContext)
	},
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the configuration with tokens redacted",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			exitWithError(cmd, err)
			return
		}
		redacted := &Config{CurrentContext: cfg.CurrentContext, Contexts: map[string]Context{}}
		for name, ctx := range cfg.Contexts {
			if ctx.Token != "" {
				ctx.Token = "REDACTED"
			}
			redacted.Contexts[name] = ctx
		}
		if ok, err := writeOutput(cmd, redacted); ok {
			if err != nil {
				exitWithError(cmd, err)
			}
			return
		}

		names := make([]string, 0, len(redacted.Contexts))
		for name := range redacted.Contexts {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n", cfgFile)
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "CURRENT\tNAME\tSERVER\tSTREAM")
		for _, name := range names {
			ctx := redacted.Contexts[name]
			current := ""
			if cfg.CurrentContext == name {
				current = "*"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", current, name, dash(ctx.Server), dash(ctx.Stream))
		}
		flushTable(tw)
	},
}

func init() {
	configSetContextCmd.Flags().String("server", "", "taskstream API server URL")
	configSetContextCmd.Flags().String("stream", "", "Task event stream WebSocket URL")
	configSetContextCmd.Flags().String("token", "", "API token")
	configSetContextCmd.Flags().Bool("current", true, "Set as current context")
	configCmd.AddCommand(configSetContextCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configCurrentContextCmd)
	configCmd.AddCommand(configViewCmd)
}
