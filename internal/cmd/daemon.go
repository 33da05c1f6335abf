package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshwire/meshwire/internal/logger"
	"github.com/meshwire/meshwire/internal/node"
	"github.com/meshwire/meshwire/internal/pipeline"
)

var (
	daemonID         string
	daemonName       string
	daemonDBPath     string
	daemonSignalAddr string
	daemonPort       int
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run a mesh node",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.New()

		opts := node.DefaultOptions()
		opts.ID = daemonID
		opts.DisplayName = daemonName
		opts.DBPath = daemonDBPath
		opts.SignalAddr = daemonSignalAddr
		if daemonPort != 0 {
			opts.BroadcastPort = daemonPort
		}
		opts.Logger = log

		n, err := node.New(opts)
		if err != nil {
			return err
		}

		n.Subscribe(func(ev pipeline.Event) {
			switch ev.Type {
			case pipeline.EventIncoming:
				log.WithFields(map[string]interface{}{
					"peer": ev.PeerID,
					"msg":  ev.MessageID,
				}).Infof("message: %s", ev.Message.Content)
			case pipeline.EventStateChanged:
				log.WithFields(map[string]interface{}{
					"msg":    ev.MessageID,
					"state":  string(ev.State),
					"reason": ev.Reason,
				}).Debug("delivery state changed")
			case pipeline.EventKeyChanged:
				log.WithField("peer", ev.PeerID).Warn(ev.Reason)
			}
		})

		n.Start(context.Background())
		defer n.Stop()

		log.Infof("node %s up, ctrl-c to stop", n.ID())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		return nil
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonID, "id", "", "node identifier, defaults to the stored or a generated one")
	daemonCmd.Flags().StringVar(&daemonName, "name", "", "display name announced to the mesh")
	daemonCmd.Flags().StringVar(&daemonDBPath, "db", "", "sqlite path for peer bindings and queued messages")
	daemonCmd.Flags().StringVar(&daemonSignalAddr, "signal", "", "signaling relay address for the negotiated transport")
	daemonCmd.Flags().IntVar(&daemonPort, "port", 0, "udp broadcast port for local discovery")
}
