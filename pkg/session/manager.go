// Package session owns per-peer cryptographic session state: the
// handshake state machine, send counters, replay windows, and the
// re-key policy. All state transitions for one peer are serialized
// behind that peer's lock; distinct peers never contend.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/quietwire/quietwire/pkg/crypto"
	"github.com/quietwire/quietwire/pkg/protocol"
	"github.com/quietwire/quietwire/pkg/storage"
)

var (
	ErrReplayDetected = errors.New("replay detected")
	ErrNoSession      = errors.New("no session with peer")
	ErrSessionTorn    = errors.New("session torn down")
)

// State of one per-peer session
type State uint8

const (
	StateNone State = iota
	StateHandshakeSent
	StateEstablished
)

// String returns the persisted name of the state
func (s State) String() string {
	switch s {
	case StateHandshakeSent:
		return "handshake_sent"
	case StateEstablished:
		return "established"
	default:
		return "none"
	}
}

func parseState(s string) State {
	switch s {
	case "handshake_sent":
		return StateHandshakeSent
	case "established":
		return StateEstablished
	default:
		return StateNone
	}
}

// Config carries the session policy knobs. Zero values select the
// documented defaults.
type Config struct {
	// ReplayWindowSize is the number of recent counters tracked per
	// session. Default 1024.
	ReplayWindowSize int

	// RekeyAfterMessages is the send-counter high-water mark that
	// triggers a proactive re-key. Default 1 << 20.
	RekeyAfterMessages uint64

	// MaxAuthFailures tears the session down after this many
	// consecutive decryption failures. Default 8.
	MaxAuthFailures int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ReplayWindowSize == 0 {
		c.ReplayWindowSize = 1024
	}
	if c.RekeyAfterMessages == 0 {
		c.RekeyAfterMessages = 1 << 20
	}
	if c.MaxAuthFailures == 0 {
		c.MaxAuthFailures = 8
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// SendResult resolves a send that was queued behind a handshake
type SendResult struct {
	Epoch   uint32
	Counter uint64
	Err     error
}

// Outbound is a sealed envelope ready for persistence and publish.
// Wait, when non-nil, is completed by the engine once the envelope is
// durably queued.
type Outbound struct {
	Envelope  *protocol.Envelope
	Plaintext []byte
	Wait      chan SendResult
}

// PrepareResult is the outcome of PrepareData: either a sealed DATA
// envelope (session established) or a queued payload plus, if a new
// handshake was started, the INIT envelope to publish.
type PrepareResult struct {
	Data      *Outbound
	Handshake *protocol.Envelope
	Wait      chan SendResult
	Record    *storage.SessionRecord
}

// Info is a read-only snapshot of one session for diagnostics
type Info struct {
	Peer        crypto.Address
	State       string
	Epoch       uint32
	SendCounter uint64
	ReplayFloor uint64
}

// pendingHandshake is an in-flight re-key or initial handshake
type pendingHandshake struct {
	epoch      uint32
	ephPrivate [32]byte
	init       *protocol.Envelope // kept for periodic re-send
}

type session struct {
	mu sync.Mutex

	peer      crypto.Address
	state     State
	initiator bool
	epoch     uint32
	keys      *crypto.SessionKeys
	counter   uint64
	replay    *ReplayWindow

	handshake *pendingHandshake // non-nil in HANDSHAKE_SENT or during re-key
	pending   []*Outbound       // payloads queued until establishment

	// responder bookkeeping for duplicate INIT redelivery
	peerEphemeral [32]byte
	resp          *protocol.Envelope

	authFailures int
}

// Manager owns all sessions of one local identity
type Manager struct {
	identity *crypto.KeyPair
	addr     crypto.Address
	cfg      Config

	mu       sync.Mutex
	sessions map[crypto.Address]*session
}

// NewManager creates a session manager for one identity. The key pair
// handle is injected once and treated as read-only.
func NewManager(identity *crypto.KeyPair, cfg Config) *Manager {
	return &Manager{
		identity: identity,
		addr:     crypto.DeriveAddress(identity.SignPublic),
		cfg:      cfg.withDefaults(),
		sessions: make(map[crypto.Address]*session),
	}
}

// Address returns the local identity's address
func (m *Manager) Address() crypto.Address {
	return m.addr
}

// get returns the session for peer, creating it lazily
func (m *Manager) get(peer crypto.Address) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[peer]
	if !ok {
		s = &session{
			peer:   peer,
			replay: NewReplayWindow(m.cfg.ReplayWindowSize),
		}
		m.sessions[peer] = s
	}
	return s
}

// Restore rebuilds the in-memory cache from persisted session records.
// Handshakes that were in flight at crash time lost their ephemeral
// keys and restart from NONE on the next send.
func (m *Manager) Restore(records []*storage.SessionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		state := parseState(rec.State)
		if state != StateEstablished || rec.Keys == nil {
			state = StateNone
		}

		s := &session{
			peer:      rec.Peer,
			state:     state,
			initiator: rec.Initiator,
			epoch:     rec.Epoch,
			counter:   rec.SendCounter,
			replay:    RestoreReplayWindow(m.cfg.ReplayWindowSize, rec.ReplayMax, rec.ReplayBitmap),
		}
		if state == StateEstablished {
			s.keys = rec.Keys
		}
		m.sessions[rec.Peer] = s
	}
}

// List returns a snapshot of all sessions
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		infos = append(infos, Info{
			Peer:        s.peer,
			State:       s.state.String(),
			Epoch:       s.epoch,
			SendCounter: s.counter,
			ReplayFloor: s.replay.Floor(),
		})
		s.mu.Unlock()
	}
	return infos
}

// record snapshots the session for persistence. Caller holds s.mu.
func (m *Manager) record(s *session) *storage.SessionRecord {
	rec := &storage.SessionRecord{
		Identity:     m.addr,
		Peer:         s.peer,
		State:        s.state.String(),
		Initiator:    s.initiator,
		Epoch:        s.epoch,
		Keys:         s.keys,
		SendCounter:  s.counter,
		ReplayMax:    s.replay.Max(),
		ReplayBitmap: s.replay.Marshal(),
	}
	return rec
}

// buildInit creates and signs a HANDSHAKE_INIT envelope for epoch.
// Caller holds s.mu.
func (m *Manager) buildInit(s *session, epoch uint32) (*protocol.Envelope, error) {
	ephPrivate, ephPublic, err := crypto.GenerateEphemeralKey()
	if err != nil {
		return nil, err
	}

	payload := &protocol.HandshakePayload{
		SignPublic:      m.identity.SignPublic,
		StaticDHPublic:  m.identity.DHPublic,
		EphemeralPublic: ephPublic,
		Timestamp:       uint64(time.Now().UnixMilli()),
	}

	env := &protocol.Envelope{
		Version:   protocol.Version,
		Type:      protocol.TypeHandshakeInit,
		Sender:    m.addr,
		Recipient: s.peer,
		Epoch:     epoch,
		Counter:   0,
		Payload:   payload.Encode(),
	}
	protocol.SignHandshake(m.identity, env)

	s.handshake = &pendingHandshake{
		epoch:      epoch,
		ephPrivate: ephPrivate,
		init:       env,
	}
	return env, nil
}

// seal encrypts plaintext into a DATA or ACK envelope, consuming one
// send counter. Caller holds s.mu and has verified StateEstablished.
func (m *Manager) seal(s *session, typ protocol.EnvelopeType, plaintext []byte) (*protocol.Envelope, error) {
	s.counter++

	env := &protocol.Envelope{
		Version:   protocol.Version,
		Type:      typ,
		Sender:    m.addr,
		Recipient: s.peer,
		Epoch:     s.epoch,
		Counter:   s.counter,
	}

	ciphertext, tag, err := crypto.Seal(s.keys.Send, env.Epoch, env.Counter, plaintext, env.EncodeHeader())
	if err != nil {
		s.counter--
		return nil, err
	}
	env.Payload = ciphertext
	env.AuthTag = tag
	return env, nil
}

// PrepareData turns an application payload into a sealed DATA envelope,
// or queues it behind a handshake when no session is established.
func (m *Manager) PrepareData(peer crypto.Address, plaintext []byte) (*PrepareResult, error) {
	s := m.get(peer)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateEstablished {
		env, err := m.seal(s, protocol.TypeData, plaintext)
		if err != nil {
			return nil, err
		}
		return &PrepareResult{
			Data:   &Outbound{Envelope: env, Plaintext: plaintext},
			Record: m.record(s),
		}, nil
	}

	wait := make(chan SendResult, 1)
	s.pending = append(s.pending, &Outbound{Plaintext: plaintext, Wait: wait})

	res := &PrepareResult{Wait: wait}
	if s.state == StateNone {
		env, err := m.buildInit(s, s.epoch+1)
		if err != nil {
			return nil, err
		}
		s.state = StateHandshakeSent
		s.initiator = true
		res.Handshake = env
		res.Record = m.record(s)
	}
	return res, nil
}

// Epoch reports the current established epoch with peer. False when no
// established session exists.
func (m *Manager) Epoch(peer crypto.Address) (uint32, bool) {
	m.mu.Lock()
	s, ok := m.sessions[peer]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished {
		return 0, false
	}
	return s.epoch, true
}

// Reseal seals plaintext on the current epoch without queueing behind a
// handshake. Used to move an undelivered envelope from a retired epoch
// onto the live keys; fails with ErrNoSession when nothing is
// established.
func (m *Manager) Reseal(peer crypto.Address, plaintext []byte) (*Outbound, *storage.SessionRecord, error) {
	s := m.get(peer)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, nil, ErrNoSession
	}

	env, err := m.seal(s, protocol.TypeData, plaintext)
	if err != nil {
		return nil, nil, err
	}
	return &Outbound{Envelope: env, Plaintext: plaintext}, m.record(s), nil
}

// SealAck seals an acknowledgment for a received DATA envelope
func (m *Manager) SealAck(peer crypto.Address, ackEpoch uint32, ackCounter uint64) (*Outbound, *storage.SessionRecord, error) {
	s := m.get(peer)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, nil, ErrNoSession
	}

	env, err := m.seal(s, protocol.TypeAck, encodeAckPayload(ackEpoch, ackCounter))
	if err != nil {
		return nil, nil, err
	}
	return &Outbound{Envelope: env}, m.record(s), nil
}
