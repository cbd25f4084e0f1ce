package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firelink/internal/app"
)

type ConnectFlags struct {
	URL         string
	Code        string
	DatabaseURL string
	Path        string
	Op          string
	Value       string
	Priority    float64
	Token       string
	Anonymous   bool
}

var connectFlags ConnectFlags

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Run one operation against a firelink host",
	Long: `Connect to a firelink host and run one operation on a database path.

Use --url for a WebSocket host or --code for a WebRTC session (you are
prompted for the code when neither is given). Operations:

  get     print the value at --path
  set     write --value (JSON) at --path
  push    write --value under a new generated child of --path
  remove  delete the value at --path
  watch   print child events at --path until interrupted`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if connectFlags.URL != "" && connectFlags.Code != "" {
			return fmt.Errorf("--url and --code are exclusive")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()

		opts := &app.ConnectOptions{
			URL:         connectFlags.URL,
			Code:        connectFlags.Code,
			DatabaseURL: connectFlags.DatabaseURL,
			Path:        connectFlags.Path,
			Op:          connectFlags.Op,
			Value:       connectFlags.Value,
			Token:       connectFlags.Token,
			Anonymous:   connectFlags.Anonymous,
		}
		if cmd.Flags().Changed("priority") {
			p := connectFlags.Priority
			opts.Priority = &p
		}
		return app.NewConnectApp(cfg, logger, newConsoleUI()).Run(ctx, opts)
	},
}

func init() {
	rootCmd.AddCommand(connectCmd)

	f := connectCmd.Flags()
	f.StringVar(&connectFlags.URL, "url", "", "WebSocket URL of the host, e.g. ws://localhost:8080/ws")
	f.StringVar(&connectFlags.Code, "code", "", "WebRTC session code printed by the host")
	f.StringVar(&connectFlags.DatabaseURL, "db-url", "", "point the host's root reference at this database URL first")
	f.StringVarP(&connectFlags.Path, "path", "p", "", "database path to operate on")
	f.StringVarP(&connectFlags.Op, "op", "o", app.OpGet, "operation: get, set, push, remove or watch")
	f.StringVarP(&connectFlags.Value, "value", "v", "", "JSON value for set and push")
	f.Float64Var(&connectFlags.Priority, "priority", 0, "priority for set and push")
	f.StringVar(&connectFlags.Token, "token", "", "sign in with this custom token")
	f.BoolVar(&connectFlags.Anonymous, "anonymous", false, "sign in anonymously")
}
