package node

import (
	"context"
	"time"

	"github.com/meshwire/meshwire/internal/transport"
)

// acceptLoop hands inbound sessions to the selector and pipeline until the
// transport's accept channel closes.
func (n *Node) acceptLoop(ctx context.Context, t transport.Transport) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case sess, ok := <-t.Accept():
			if !ok {
				return
			}
			n.log.WithFields(map[string]interface{}{
				"peer": sess.PeerID(),
				"kind": t.Kind().String(),
			}).Debug("inbound session")
			n.registry.Touch(sess.PeerID())
			if kept := n.selector.StoreSession(sess.PeerID(), t.Kind(), sess); kept == sess {
				n.pipeline.AttachSession(t.Kind(), sess)
			}
		}
	}
}

// discoveryLoop polls one transport and merges its candidates. An
// immediate first round avoids waiting a full interval at startup.
func (n *Node) discoveryLoop(ctx context.Context, t transport.Transport) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.opts.DiscoveryInterval)
	defer ticker.Stop()

	n.runDiscovery(ctx, t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.runDiscovery(ctx, t)
		}
	}
}

func (n *Node) runDiscovery(ctx context.Context, t transport.Transport) {
	candidates, err := t.Discover(ctx)
	if err != nil {
		// A transport without discovery still serves direct sessions.
		n.log.WithError(err).WithField("kind", t.Kind().String()).Debug("discovery round failed")
		return
	}
	for _, c := range candidates {
		n.handleCandidate(ctx, t, c)
	}
}

// sweepLoop ages peer presence and refreshes the health snapshot.
func (n *Node) sweepLoop(ctx context.Context) {
	defer n.wg.Done()

	interval := n.opts.Registry.AwayAfter / 4
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.registry.Sweep()
			n.monitor.Recompute()
		}
	}
}
