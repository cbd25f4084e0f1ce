package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"firelink/internal/app"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host a Firebase client for remote peers",
	Long: `Host a Firebase client. This will:

1. Create the native client (in-memory database or Firebase Admin SDK)
2. Accept WebSocket connections on /ws, serving /healthz and /metrics too
3. With --webrtc, publish a session code and accept a peer over WebRTC

Every connection gets its own root endpoint; closing the connection closes
every endpoint created through it and releases their listeners.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()
		return app.NewServeApp(cfg, logger, newConsoleUI()).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "HTTP listen address (default :8080)")
	serveCmd.Flags().String("backend", "", "native client backend: memory or admin")
	serveCmd.Flags().Bool("webrtc", false, "also accept peers over WebRTC, signalled through Firebase")
	serveCmd.Flags().String("seed", "", "JSON file loaded into the memory backend at start")

	// Bind flags to viper so config files and FIRELINK_ variables share them
	_ = viper.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("server.backend", serveCmd.Flags().Lookup("backend"))
	_ = viper.BindPFlag("server.webrtc", serveCmd.Flags().Lookup("webrtc"))
	_ = viper.BindPFlag("memory.seed_file", serveCmd.Flags().Lookup("seed"))
}
