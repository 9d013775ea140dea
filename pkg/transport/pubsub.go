package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// PubSubConfig configures the libp2p-backed transport
type PubSubConfig struct {
	// ListenAddrs are multiaddrs to listen on. Default is TCP on an
	// ephemeral port on all interfaces.
	ListenAddrs []string

	// BootstrapPeers are multiaddrs of known nodes used to join the
	// mesh. Without any, the node only reaches peers that dial it.
	BootstrapPeers []string

	Logger *slog.Logger
}

// PubSubTransport is a Transport backed by a libp2p host running
// gossipsub, with a Kademlia DHT for peer discovery.
type PubSubTransport struct {
	host   host.Host
	dht    *dht.IpfsDHT
	ps     *pubsub.PubSub
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	closed bool
}

// NewPubSubTransport creates the libp2p host, joins the DHT, and
// starts gossipsub on top.
func NewPubSubTransport(ctx context.Context, cfg PubSubConfig) (*PubSubTransport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	listen := cfg.ListenAddrs
	if len(listen) == 0 {
		listen = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(listen...),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("create DHT: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		kad.Close()
		h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &PubSubTransport{
		host:   h,
		dht:    kad,
		ps:     ps,
		logger: cfg.Logger,
		ctx:    tctx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
	}

	if len(cfg.BootstrapPeers) > 0 {
		infos := parseBootstrapPeers(cfg.BootstrapPeers, cfg.Logger)
		if err := t.bootstrap(ctx, infos); err != nil {
			t.Close()
			return nil, err
		}
		go t.maintainBootstrap(infos)
	}

	return t, nil
}

func parseBootstrapPeers(peers []string, logger *slog.Logger) []peer.AddrInfo {
	var infos []peer.AddrInfo
	for _, peerStr := range peers {
		maddr, err := multiaddr.NewMultiaddr(peerStr)
		if err != nil {
			logger.Warn("invalid bootstrap address", "addr", peerStr, "error", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			logger.Warn("bootstrap address has no peer id", "addr", peerStr, "error", err)
			continue
		}
		infos = append(infos, *info)
	}
	return infos
}

// bootstrap connects to the configured peers and seeds the DHT
func (t *PubSubTransport) bootstrap(ctx context.Context, infos []peer.AddrInfo) error {
	var connected int
	for _, info := range infos {
		if err := t.host.Connect(ctx, info); err != nil {
			t.logger.Warn("bootstrap connect failed", "peer", info.ID.String(), "error", err)
			continue
		}
		t.logger.Info("connected to bootstrap peer", "peer", info.ID.String())
		connected++
	}
	if connected == 0 {
		return fmt.Errorf("%w: no bootstrap peer reachable", ErrTransportUnavailable)
	}
	if err := t.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap DHT: %w", err)
	}
	return nil
}

// maintainBootstrap watches the bootstrap connections and redials lost
// ones with exponential backoff. Gossipsub heals its mesh on its own
// once connectivity returns; subscriptions stay live throughout.
func (t *PubSubTransport) maintainBootstrap(infos []peer.AddrInfo) {
	const (
		minBackoff = time.Second
		maxBackoff = 2 * time.Minute
	)
	backoff := minBackoff

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(backoff):
		}

		healthy := true
		for _, info := range infos {
			if t.host.Network().Connectedness(info.ID) == network.Connected {
				continue
			}
			healthy = false
			dialCtx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
			if err := t.host.Connect(dialCtx, info); err != nil {
				t.logger.Warn("bootstrap redial failed",
					"peer", info.ID.String(), "backoff", backoff, "error", err)
			} else {
				t.logger.Info("bootstrap peer reconnected", "peer", info.ID.String())
			}
			cancel()
		}

		if healthy {
			backoff = minBackoff
		} else if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// joinTopic returns the gossipsub topic handle, joining once and
// caching it since a topic may only be joined a single time per host.
func (t *PubSubTransport) joinTopic(name string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportUnavailable
	}
	if topic, ok := t.topics[name]; ok {
		return topic, nil
	}
	topic, err := t.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	t.topics[name] = topic
	return topic, nil
}

// Publish sends data to topic via gossipsub
func (t *PubSubTransport) Publish(ctx context.Context, topic string, data []byte) error {
	th, err := t.joinTopic(topic)
	if err != nil {
		return err
	}
	if err := th.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins topic and pumps its messages into a channel. Messages
// published by this host are filtered out.
func (t *PubSubTransport) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	th, err := t.joinTopic(topic)
	if err != nil {
		return nil, err
	}
	sub, err := th.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	ch := make(chan []byte, 256)
	go func() {
		defer close(ch)
		defer sub.Cancel()
		for {
			msg, err := sub.Next(t.ctx)
			if err != nil {
				// Context cancelled or subscription torn down.
				return
			}
			if msg.ReceivedFrom == t.host.ID() {
				continue
			}
			select {
			case ch <- msg.Data:
			case <-t.ctx.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Addrs returns the host's listen multiaddrs with the peer id attached,
// suitable for use as another node's bootstrap address.
func (t *PubSubTransport) Addrs() []string {
	info := peer.AddrInfo{ID: t.host.ID(), Addrs: t.host.Addrs()}
	maddrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	addrs := make([]string, len(maddrs))
	for i, a := range maddrs {
		addrs[i] = a.String()
	}
	return addrs
}

// Close shuts down the subscriptions, the DHT, and the host
func (t *PubSubTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	if err := t.dht.Close(); err != nil {
		t.logger.Warn("closing DHT", "error", err)
	}
	return t.host.Close()
}
