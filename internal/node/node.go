// Package node assembles the engine, registry, transports, selector,
// pipeline and health monitor into one running mesh participant.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/meshwire/meshwire/internal/crypto"
	"github.com/meshwire/meshwire/internal/health"
	"github.com/meshwire/meshwire/internal/logger"
	"github.com/meshwire/meshwire/internal/peer"
	"github.com/meshwire/meshwire/internal/pipeline"
	"github.com/meshwire/meshwire/internal/selector"
	"github.com/meshwire/meshwire/internal/signal"
	"github.com/meshwire/meshwire/internal/store"
	"github.com/meshwire/meshwire/internal/transport"
	"github.com/meshwire/meshwire/internal/transport/local"
	"github.com/meshwire/meshwire/internal/transport/webrtc"
)

type Options struct {
	// ID identifies this node across the mesh. Generated when empty.
	ID          string
	DisplayName string

	// DBPath enables persistence of peer bindings and queued envelopes.
	// Empty keeps everything in memory.
	DBPath string

	// SignalAddr points at a signaling relay. Empty disables the
	// negotiated transport.
	SignalAddr string

	BroadcastPort     int
	STUNServers       []string
	DiscoveryInterval time.Duration
	RotationInterval  time.Duration
	Registry          peer.RegistryConfig
	Thresholds        health.Thresholds
	QueueCap          int
	DefaultTTL        time.Duration

	Logger *logrus.Logger
}

func DefaultOptions() Options {
	return Options{
		BroadcastPort:     local.DefaultBroadcastPort,
		DiscoveryInterval: 30 * time.Second,
		RotationInterval:  crypto.DefaultRotationInterval,
		Registry:          peer.DefaultRegistryConfig(),
		Thresholds:        health.DefaultThresholds(),
		QueueCap:          pipeline.DefaultQueueCap,
		DefaultTTL:        10 * time.Minute,
	}
}

type Node struct {
	id   string
	opts Options
	log  *logrus.Entry

	engine   *crypto.Engine
	registry *peer.Registry
	selector *selector.Selector
	monitor  *health.Monitor
	pipeline *pipeline.Pipeline

	transports []transport.Transport
	sigClient  *signal.Client
	db         *gorm.DB

	groupsMu sync.Mutex
	groups   map[string][]string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func New(opts Options) (*Node, error) {
	if opts.Logger == nil {
		opts.Logger = logger.New()
	}
	if opts.DiscoveryInterval <= 0 {
		opts.DiscoveryInterval = 30 * time.Second
	}

	var (
		db            *gorm.DB
		bindingStore  peer.BindingStore
		queueStore    store.QueueRepository
		identityStore *store.IdentityStore
		err           error
	)
	if opts.DBPath != "" {
		db, err = store.NewDB(opts.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		bindingStore = store.NewPeerStore(db)
		queueStore = store.NewQueueStore(db)
		identityStore = store.NewIdentityStore(db)
	}

	// The identity peers pin spans restarts, so the ID and private key
	// are restored from the store when one exists. An explicit conflicting
	// ID mints a fresh identity and overwrites the stored one.
	var engine *crypto.Engine
	if identityStore != nil {
		storedID, storedKey, err := identityStore.LoadIdentity()
		if err != nil {
			return nil, fmt.Errorf("load identity: %w", err)
		}
		if storedID != "" && (opts.ID == "" || opts.ID == storedID) {
			opts.ID = storedID
			engine, err = crypto.NewEngineFromKey(storedKey, opts.RotationInterval)
			if err != nil {
				return nil, fmt.Errorf("restore identity: %w", err)
			}
		}
	}
	if engine == nil {
		if opts.ID == "" {
			opts.ID = uuid.NewString()
		}
		engine, err = crypto.NewEngine(opts.RotationInterval)
		if err != nil {
			return nil, fmt.Errorf("crypto engine: %w", err)
		}
		if identityStore != nil {
			if err := identityStore.SaveIdentity(opts.ID, engine.ExportPrivateKey()); err != nil {
				return nil, fmt.Errorf("persist identity: %w", err)
			}
		}
	}

	if opts.DisplayName == "" {
		opts.DisplayName = opts.ID[:8]
	}
	log := opts.Logger.WithField("node", opts.DisplayName)

	registry, err := peer.NewRegistry(opts.Registry, bindingStore)
	if err != nil {
		return nil, fmt.Errorf("peer registry: %w", err)
	}
	for _, p := range registry.List() {
		if len(p.PublicKey) > 0 {
			if err := engine.ImportPeerKey(p.ID, p.PublicKey); err != nil {
				log.WithError(err).WithField("peer", p.ID).Warn("stored peer key rejected")
			}
		}
	}

	selCfg := selector.DefaultConfig()
	selCfg.DiscoveryInterval = opts.DiscoveryInterval
	sel := selector.New(selCfg, opts.Logger)

	monitor := health.NewMonitor(opts.Thresholds, registry, sel)

	pipeCfg := pipeline.DefaultConfig(opts.ID)
	pipeCfg.Logger = opts.Logger
	pipeCfg.Queue = queueStore
	if opts.QueueCap > 0 {
		pipeCfg.QueueCap = opts.QueueCap
	}
	if opts.DefaultTTL > 0 {
		pipeCfg.DefaultTTL = opts.DefaultTTL
	}
	pipe, err := pipeline.New(pipeCfg, registry, engine, sel, monitor)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	n := &Node{
		id:       opts.ID,
		opts:     opts,
		log:      log,
		engine:   engine,
		registry: registry,
		selector: sel,
		monitor:  monitor,
		pipeline: pipe,
		db:       db,
		groups:   make(map[string][]string),
	}

	localT, err := local.New(local.Config{
		NodeID:        opts.ID,
		DisplayName:   opts.DisplayName,
		PublicKey:     engine.ExportPublicKey(),
		BroadcastPort: opts.BroadcastPort,
		Interval:      opts.DiscoveryInterval,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("local transport: %w", err)
	}
	n.addTransport(localT)

	if opts.SignalAddr != "" {
		sigClient, err := signal.Dial(opts.SignalAddr, opts.ID)
		if err != nil {
			return nil, fmt.Errorf("signaling relay: %w", err)
		}
		n.sigClient = sigClient
		n.addTransport(webrtc.New(webrtc.Config{
			Signaler:    sigClient,
			STUNServers: opts.STUNServers,
			Logger:      opts.Logger,
		}))
	}

	return n, nil
}

func (n *Node) addTransport(t transport.Transport) {
	n.transports = append(n.transports, t)
	n.selector.Register(t)
}

func (n *Node) ID() string { return n.id }

// PublicKey returns the X25519 public key peers pin for this node.
func (n *Node) PublicKey() []byte { return n.engine.ExportPublicKey() }

// Start launches the pipeline, session acceptors and discovery loops.
// It returns immediately; Stop shuts everything down.
func (n *Node) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)

	n.pipeline.Start(ctx)

	for _, t := range n.transports {
		n.wg.Add(2)
		go n.acceptLoop(ctx, t)
		go n.discoveryLoop(ctx, t)
	}

	n.wg.Add(1)
	go n.sweepLoop(ctx)

	n.log.Info("node running")
}

func (n *Node) Stop() {
	n.once.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		for _, t := range n.transports {
			if err := t.Close(); err != nil {
				n.log.WithError(err).Warn("transport close failed")
			}
		}
		if n.sigClient != nil {
			n.sigClient.Close()
		}
		n.pipeline.Stop()
		n.wg.Wait()
		if n.db != nil {
			if sqlDB, err := n.db.DB(); err == nil {
				sqlDB.Close()
			}
		}
		n.log.Info("node stopped")
	})
}

// Send encrypts and dispatches a message to a known peer, returning the
// message ID used in later delivery events.
func (n *Node) Send(ctx context.Context, peerID, content string) (string, error) {
	return n.pipeline.Submit(ctx, peerID, content, n.opts.DefaultTTL)
}

// SendWithTTL is Send with an explicit per-message time to live.
func (n *Node) SendWithTTL(ctx context.Context, peerID, content string, ttl time.Duration) (string, error) {
	return n.pipeline.Submit(ctx, peerID, content, ttl)
}

// SetGroup defines or replaces a local group roster. Groups are an
// addressing convenience; encryption stays pairwise per member.
func (n *Node) SetGroup(groupID string, members []string) {
	n.groupsMu.Lock()
	n.groups[groupID] = append([]string(nil), members...)
	n.groupsMu.Unlock()
}

// SendGroup fans a message out to every member of a previously defined
// group.
func (n *Node) SendGroup(ctx context.Context, groupID, content string) (string, error) {
	n.groupsMu.Lock()
	members, ok := n.groups[groupID]
	n.groupsMu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown group %s", groupID)
	}
	return n.pipeline.SubmitGroup(ctx, groupID, members, content, n.opts.DefaultTTL)
}

// AddPeer pins a peer binding out of band, before any discovery round.
func (n *Node) AddPeer(id, displayName string, publicKey []byte) error {
	if _, err := n.registry.Upsert(id, displayName, publicKey); err != nil {
		return err
	}
	return n.engine.ImportPeerKey(id, publicKey)
}

func (n *Node) Peers() []peer.Peer { return n.registry.List() }

func (n *Node) Conversation(peerID string) []pipeline.Message {
	return n.pipeline.Conversation(peerID)
}

func (n *Node) MessageStatus(id string) (pipeline.DeliveryState, bool) {
	return n.pipeline.Status(id)
}

func (n *Node) MarkRead(ctx context.Context, messageID string) error {
	return n.pipeline.MarkRead(ctx, messageID)
}

func (n *Node) Subscribe(h pipeline.Handler) { n.pipeline.Subscribe(h) }

func (n *Node) Health() health.Snapshot { return n.monitor.Recompute() }

// handleCandidate folds one discovery result into the registry, key
// engine and selector, and flushes any backlog for the peer.
func (n *Node) handleCandidate(ctx context.Context, t transport.Transport, c transport.Candidate) {
	if c.PeerID == n.id {
		return
	}

	if len(c.PublicKey) > 0 {
		if _, err := n.registry.Upsert(c.PeerID, c.DisplayName, c.PublicKey); err != nil {
			if errors.Is(err, peer.ErrKeyChanged) {
				n.log.WithField("peer", c.PeerID).Warn("peer announced a conflicting public key, keeping pinned binding")
				n.pipeline.EmitKeyChanged(c.PeerID)
			}
			return
		}
		if err := n.engine.ImportPeerKey(c.PeerID, c.PublicKey); err != nil {
			n.log.WithError(err).WithField("peer", c.PeerID).Warn("peer key import failed")
			return
		}
	} else if _, known := n.registry.Get(c.PeerID); !known {
		// No key material and no pinned binding, nothing to talk to yet.
		return
	}

	n.registry.Touch(c.PeerID)
	n.selector.UpdateRecord(c.PeerID, t.Kind(), t.Capabilities(), c.Addr, c.RTT)
	n.pipeline.PeerReachable(ctx, c.PeerID)
}
