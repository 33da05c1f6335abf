package cmd

import (
	"github.com/spf13/cobra"

	"github.com/meshwire/meshwire/internal/logger"
	"github.com/meshwire/meshwire/internal/signal"
)

var signalListenAddr string

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Run a signaling relay for nodes behind NAT",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.New()
		srv, err := signal.NewServer(signalListenAddr, log)
		if err != nil {
			return err
		}
		log.Infof("signaling relay listening on %s", signalListenAddr)
		return srv.Start()
	},
}

func init() {
	signalCmd.Flags().StringVar(&signalListenAddr, "listen", ":9190", "address to listen on")
}
