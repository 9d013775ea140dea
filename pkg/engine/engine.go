// Package engine wires the session manager, the persistence layer, and
// the transport into one messaging node. It owns the inbound dispatch
// pipeline, the durable outbox, and the acknowledgment flow; callers
// only see Send, Receive, and identity management.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quietwire/quietwire/pkg/crypto"
	"github.com/quietwire/quietwire/pkg/protocol"
	"github.com/quietwire/quietwire/pkg/session"
	"github.com/quietwire/quietwire/pkg/storage"
	"github.com/quietwire/quietwire/pkg/transport"
)

var (
	ErrExportDenied    = errors.New("identity export denied")
	ErrUnknownIdentity = errors.New("unknown identity")
	ErrNotStarted      = errors.New("engine not started")
)

// Config assembles an engine from its collaborators
type Config struct {
	Store     *storage.Store
	Transport transport.Transport

	// Session carries the per-session policy knobs
	Session session.Config

	// AllowExport gates ExportIdentity. Off by default so private keys
	// stay inside the store unless the operator opts in.
	AllowExport bool

	// RetryInterval paces the outbox and handshake re-send sweep.
	// Default 5 seconds.
	RetryInterval time.Duration

	Logger *slog.Logger
}

// Received is one decrypted inbound message
type Received struct {
	Identity  crypto.Address
	Peer      crypto.Address
	Epoch     uint32
	Counter   uint64
	Plaintext []byte
}

// node is the runtime state of one local identity
type node struct {
	kp  *crypto.KeyPair
	mgr *session.Manager
}

// Engine is a running messaging node hosting one or more identities
type Engine struct {
	store  *storage.Store
	tr     transport.Transport
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	nodes   map[crypto.Address]*node
	started bool

	received chan *Received
}

// New validates the configuration and builds an engine. Start must be
// called before any messaging operation.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("engine requires a transport")
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}

	return &Engine{
		store:    cfg.Store,
		tr:       cfg.Transport,
		cfg:      cfg,
		logger:   cfg.Logger,
		nodes:    make(map[crypto.Address]*node),
		received: make(chan *Received, 256),
	}, nil
}

// Start loads every stored identity, restores its sessions, subscribes
// to its inbox, and begins the retry sweep. Outbox entries that were
// pending at shutdown are re-published by the first sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	e.mu.Unlock()

	addrs, err := e.store.ListIdentities()
	if err != nil {
		return fmt.Errorf("list identities: %w", err)
	}
	for _, addr := range addrs {
		if err := e.activate(addr); err != nil {
			return err
		}
	}

	e.wg.Add(1)
	go e.retryLoop()
	return nil
}

// Close stops the inbound and retry loops. The store and transport are
// owned by the caller and stay open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	close(e.received)
	return nil
}

// activate loads one identity, restores its sessions from the store,
// and starts its inbound pipeline.
func (e *Engine) activate(addr crypto.Address) error {
	kp, err := e.store.LoadIdentity(addr)
	if err != nil {
		return fmt.Errorf("load identity %s: %w", addr, err)
	}

	mgr := session.NewManager(kp, e.cfg.Session)
	records, err := e.store.LoadSessions(addr)
	if err != nil {
		return fmt.Errorf("load sessions for %s: %w", addr, err)
	}
	mgr.Restore(records)

	ch, err := e.tr.Subscribe(e.ctx, transport.TopicFor(addr))
	if err != nil {
		return fmt.Errorf("subscribe inbox for %s: %w", addr, err)
	}

	n := &node{kp: kp, mgr: mgr}
	e.mu.Lock()
	e.nodes[addr] = n
	e.mu.Unlock()

	e.wg.Add(1)
	go e.inboundLoop(n, ch)
	e.logger.Info("identity active", "address", addr.String(), "sessions", len(records))
	return nil
}

// node returns the runtime state of a local identity
func (e *Engine) node(addr crypto.Address) (*node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil, ErrNotStarted
	}
	n, ok := e.nodes[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, addr)
	}
	return n, nil
}

// ===== identity management =====

// CreateIdentity generates a fresh identity, persists it, and brings it
// online immediately.
func (e *Engine) CreateIdentity() (crypto.Address, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return crypto.Address{}, err
	}
	return e.adoptIdentity(kp)
}

// ImportIdentity persists an externally created key pair and brings it
// online. Re-importing an existing identity is a no-op.
func (e *Engine) ImportIdentity(kp *crypto.KeyPair) (crypto.Address, error) {
	return e.adoptIdentity(kp)
}

func (e *Engine) adoptIdentity(kp *crypto.KeyPair) (crypto.Address, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return crypto.Address{}, ErrNotStarted
	}

	if err := e.store.SaveIdentity(kp); err != nil {
		return crypto.Address{}, err
	}
	addr := crypto.DeriveAddress(kp.SignPublic)

	e.mu.Lock()
	_, active := e.nodes[addr]
	e.mu.Unlock()
	if active {
		return addr, nil
	}
	if err := e.activate(addr); err != nil {
		return crypto.Address{}, err
	}
	return addr, nil
}

// ExportIdentity returns the full key pair of a local identity. Refused
// unless the engine was configured with AllowExport.
func (e *Engine) ExportIdentity(addr crypto.Address) (*crypto.KeyPair, error) {
	if !e.cfg.AllowExport {
		return nil, ErrExportDenied
	}
	if _, err := e.node(addr); err != nil {
		return nil, err
	}
	return e.store.LoadIdentity(addr)
}

// Identities returns the addresses of all active local identities
func (e *Engine) Identities() []crypto.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	addrs := make([]crypto.Address, 0, len(e.nodes))
	for addr := range e.nodes {
		addrs = append(addrs, addr)
	}
	return addrs
}

// ===== sending =====

// Send encrypts plaintext for peer and queues it durably. When no
// session exists yet the call blocks until the handshake completes or
// ctx expires; the payload survives either way and is flushed once the
// session establishes.
func (e *Engine) Send(ctx context.Context, from, to crypto.Address, plaintext []byte) (uint32, uint64, error) {
	n, err := e.node(from)
	if err != nil {
		return 0, 0, err
	}

	prep, err := n.mgr.PrepareData(to, plaintext)
	if err != nil {
		return 0, 0, err
	}

	if prep.Data != nil {
		if err := e.commitOutbound(n, prep.Record, []*session.Outbound{prep.Data}); err != nil {
			return 0, 0, err
		}
		env := prep.Data.Envelope
		return env.Epoch, env.Counter, nil
	}

	// No session yet: the payload is queued in memory behind the
	// handshake. Publish the INIT if this call started one.
	if prep.Handshake != nil {
		if prep.Record != nil {
			if err := e.store.UpsertSession(prep.Record); err != nil {
				return 0, 0, err
			}
		}
		if err := e.publish(to, prep.Handshake); err != nil {
			e.logger.Warn("handshake publish failed, retry sweep will re-send",
				"peer", to.String(), "error", err)
		}
	}

	select {
	case res := <-prep.Wait:
		return res.Epoch, res.Counter, res.Err
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case <-e.ctx.Done():
		return 0, 0, ErrNotStarted
	}
}

// Receive returns the stream of decrypted inbound messages across all
// local identities. Closed by Close.
func (e *Engine) Receive() <-chan *Received {
	return e.received
}

// ListSessions returns session snapshots for one local identity
func (e *Engine) ListSessions(identity crypto.Address) ([]session.Info, error) {
	n, err := e.node(identity)
	if err != nil {
		return nil, err
	}
	return n.mgr.List(), nil
}

// ListLog returns the stored conversation with one peer, newest first
func (e *Engine) ListLog(identity, peer crypto.Address, limit, offset int) ([]*storage.LogEntry, error) {
	if _, err := e.node(identity); err != nil {
		return nil, err
	}
	return e.store.ListLog(identity, peer, limit, offset)
}

// OutboxDepth reports the number of envelopes awaiting acknowledgment
func (e *Engine) OutboxDepth(identity crypto.Address) (int, error) {
	if _, err := e.node(identity); err != nil {
		return 0, err
	}
	return e.store.OutboxDepth(identity)
}

// ===== outbound plumbing =====

// publish sends an envelope to the peer's inbox topic
func (e *Engine) publish(peer crypto.Address, env *protocol.Envelope) error {
	return e.tr.Publish(e.ctx, transport.TopicFor(peer), env.Encode())
}

// commitOutbound persists sealed envelopes and the session snapshot in
// one transaction, then publishes them and resolves any waiting sends.
// The transaction is the durability point: once it commits, the retry
// sweep guarantees eventual delivery even if publish fails here.
func (e *Engine) commitOutbound(n *node, rec *storage.SessionRecord, outs []*session.Outbound) error {
	identity := n.mgr.Address()

	err := e.store.WithTx(func(tx *storage.Tx) error {
		if rec != nil {
			if err := tx.UpsertSession(rec); err != nil {
				return err
			}
		}
		for _, out := range outs {
			env := out.Envelope
			if _, err := tx.AppendLogEntry(&storage.LogEntry{
				Identity:  identity,
				Peer:      env.Recipient,
				Epoch:     env.Epoch,
				Counter:   env.Counter,
				Direction: storage.DirectionOutbound,
				Content:   out.Plaintext,
				Status:    storage.StatusPending,
			}); err != nil {
				return err
			}
			if err := tx.EnqueueOutbox(&storage.OutboxEntry{
				Identity: identity,
				Peer:     env.Recipient,
				Epoch:    env.Epoch,
				Counter:  env.Counter,
				Envelope: env.Encode(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for _, out := range outs {
			if out.Wait != nil {
				out.Wait <- session.SendResult{Err: err}
			}
		}
		return err
	}

	for _, out := range outs {
		env := out.Envelope
		if err := e.publish(env.Recipient, env); err != nil {
			e.logger.Warn("publish failed, envelope stays queued",
				"peer", env.Recipient.String(), "counter", env.Counter, "error", err)
		} else if err := e.store.UpdateLogStatus(identity, env.Recipient, env.Epoch, env.Counter, storage.DirectionOutbound, storage.StatusSent); err != nil {
			e.logger.Warn("log status update failed", "error", err)
		}
		if out.Wait != nil {
			out.Wait <- session.SendResult{Epoch: env.Epoch, Counter: env.Counter}
		}
	}
	return nil
}

// ===== inbound pipeline =====

// inboundLoop decodes and dispatches everything arriving on one
// identity's inbox topic. Malformed or unverifiable traffic is dropped
// with a log line; the loop itself never stops on a bad envelope.
func (e *Engine) inboundLoop(n *node, ch <-chan []byte) {
	defer e.wg.Done()
	identity := n.mgr.Address()

	for {
		select {
		case <-e.ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			env, err := protocol.Decode(raw)
			if err != nil {
				e.logger.Debug("dropping malformed envelope", "identity", identity.String(), "error", err)
				continue
			}
			if env.Recipient != identity {
				continue
			}
			if err := e.dispatch(n, env); err != nil {
				e.logger.Debug("inbound envelope rejected",
					"identity", identity.String(), "peer", env.Sender.String(),
					"type", env.Type.String(), "error", err)
			}
		}
	}
}

func (e *Engine) dispatch(n *node, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeHandshakeInit:
		return e.handleInit(n, env)
	case protocol.TypeHandshakeResp:
		return e.handleResp(n, env)
	case protocol.TypeData:
		return e.handleData(n, env)
	case protocol.TypeAck:
		return e.handleAck(n, env)
	default:
		return protocol.ErrMalformedEnvelope
	}
}

func (e *Engine) handleInit(n *node, env *protocol.Envelope) error {
	res, err := n.mgr.HandleInit(env)
	if err != nil {
		return err
	}
	if res.Record != nil {
		if err := e.store.UpsertSession(res.Record); err != nil {
			return err
		}
	}
	if res.Reply != nil {
		if err := e.publish(env.Sender, res.Reply.Envelope); err != nil {
			e.logger.Warn("handshake response publish failed", "peer", env.Sender.String(), "error", err)
		}
	}
	if len(res.Flushed) > 0 {
		return e.commitOutbound(n, nil, res.Flushed)
	}
	return nil
}

func (e *Engine) handleResp(n *node, env *protocol.Envelope) error {
	res, err := n.mgr.HandleResp(env)
	if err != nil {
		return err
	}
	if res.Record != nil {
		if err := e.store.UpsertSession(res.Record); err != nil {
			return err
		}
	}
	if len(res.Flushed) > 0 {
		return e.commitOutbound(n, nil, res.Flushed)
	}
	return nil
}

func (e *Engine) handleData(n *node, env *protocol.Envelope) error {
	identity := n.mgr.Address()

	plaintext, rec, err := n.mgr.OpenData(env)
	if err != nil {
		if errors.Is(err, session.ErrReplayDetected) {
			// Re-ack only messages this node actually logged, so a
			// lost ACK is recovered on re-send. Stale-epoch traffic
			// also lands here and was never decrypted; acknowledging
			// it would make the sender mark it delivered and drop it.
			_, lerr := e.store.GetLogEntry(identity, env.Sender, env.Epoch, env.Counter, storage.DirectionInbound)
			if errors.Is(lerr, storage.ErrNotFound) {
				return err
			}
			if lerr != nil {
				return lerr
			}
			return e.sendAck(n, env.Sender, env.Epoch, env.Counter)
		}
		if rec != nil {
			if uerr := e.store.UpsertSession(rec); uerr != nil {
				e.logger.Warn("session persist after auth failure", "error", uerr)
			}
		}
		return err
	}

	var fresh bool
	err = e.store.WithTx(func(tx *storage.Tx) error {
		if err := tx.UpsertSession(rec); err != nil {
			return err
		}
		inserted, err := tx.AppendLogEntry(&storage.LogEntry{
			Identity:  identity,
			Peer:      env.Sender,
			Epoch:     env.Epoch,
			Counter:   env.Counter,
			Direction: storage.DirectionInbound,
			Content:   plaintext,
			Status:    storage.StatusDelivered,
		})
		if err != nil {
			return err
		}
		fresh = inserted
		return nil
	})
	if err != nil {
		return err
	}

	if err := e.sendAck(n, env.Sender, env.Epoch, env.Counter); err != nil {
		e.logger.Warn("ack send failed", "peer", env.Sender.String(), "error", err)
	}

	if !fresh {
		return nil
	}
	select {
	case e.received <- &Received{
		Identity:  identity,
		Peer:      env.Sender,
		Epoch:     env.Epoch,
		Counter:   env.Counter,
		Plaintext: plaintext,
	}:
	case <-e.ctx.Done():
	}
	return nil
}

// sendAck seals and publishes an acknowledgment. ACKs are fire and
// forget: a lost ACK makes the peer re-send the DATA envelope, which
// triggers a fresh ACK from the replay path.
func (e *Engine) sendAck(n *node, peer crypto.Address, epoch uint32, counter uint64) error {
	out, rec, err := n.mgr.SealAck(peer, epoch, counter)
	if err != nil {
		return err
	}
	if err := e.store.UpsertSession(rec); err != nil {
		return err
	}
	return e.publish(peer, out.Envelope)
}

func (e *Engine) handleAck(n *node, env *protocol.Envelope) error {
	identity := n.mgr.Address()

	ackEpoch, ackCounter, rec, err := n.mgr.OpenAck(env)
	if err != nil {
		if rec != nil {
			if uerr := e.store.UpsertSession(rec); uerr != nil {
				e.logger.Warn("session persist after auth failure", "error", uerr)
			}
		}
		return err
	}

	return e.store.WithTx(func(tx *storage.Tx) error {
		if err := tx.UpsertSession(rec); err != nil {
			return err
		}
		if err := tx.AckOutbox(identity, env.Sender, ackEpoch, ackCounter); err != nil {
			return err
		}
		return tx.UpdateLogStatus(identity, env.Sender, ackEpoch, ackCounter, storage.DirectionOutbound, storage.StatusDelivered)
	})
}
