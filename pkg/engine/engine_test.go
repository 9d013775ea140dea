package engine

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/quietwire/quietwire/pkg/crypto"
	"github.com/quietwire/quietwire/pkg/protocol"
	"github.com/quietwire/quietwire/pkg/session"
	"github.com/quietwire/quietwire/pkg/storage"
	"github.com/quietwire/quietwire/pkg/transport"
)

func testStore(t *testing.T, path string) *storage.Store {
	t.Helper()
	store, err := storage.Open(path, storage.Options{StoreKey: crypto.DeriveStoreKey("test")})
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testEngine(t *testing.T, store *storage.Store, bus transport.Transport) *Engine {
	t.Helper()
	e, err := New(Config{
		Store:         store,
		Transport:     bus,
		RetryInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func waitReceived(t *testing.T, e *Engine, timeout time.Duration) *Received {
	t.Helper()
	select {
	case msg := <-e.Receive():
		return msg
	case <-time.After(timeout):
		t.Fatal("no message received before timeout")
		return nil
	}
}

func TestSendReceiveEndToEnd(t *testing.T) {
	bus := transport.NewMemoryTransport()
	defer bus.Close()
	dir := t.TempDir()

	engA := testEngine(t, testStore(t, filepath.Join(dir, "a.db")), bus)
	engB := testEngine(t, testStore(t, filepath.Join(dir, "b.db")), bus)

	addrA, err := engA.CreateIdentity()
	if err != nil {
		t.Fatalf("CreateIdentity() error = %v", err)
	}
	addrB, err := engB.CreateIdentity()
	if err != nil {
		t.Fatalf("CreateIdentity() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// First send runs the full handshake before the payload flows.
	epoch, counter, err := engA.Send(ctx, addrA, addrB, []byte("hello bob"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if epoch != 1 || counter != 1 {
		t.Errorf("first send at (epoch %d, counter %d), want (1, 1)", epoch, counter)
	}

	msg := waitReceived(t, engB, 5*time.Second)
	if !bytes.Equal(msg.Plaintext, []byte("hello bob")) {
		t.Errorf("received %q, want %q", msg.Plaintext, "hello bob")
	}
	if msg.Identity != addrB || msg.Peer != addrA {
		t.Error("received message attributed to wrong addresses")
	}

	// Reply rides the established session without a new handshake.
	if _, _, err := engB.Send(ctx, addrB, addrA, []byte("hello alice")); err != nil {
		t.Fatalf("reply Send() error = %v", err)
	}
	back := waitReceived(t, engA, 5*time.Second)
	if !bytes.Equal(back.Plaintext, []byte("hello alice")) {
		t.Errorf("received %q, want %q", back.Plaintext, "hello alice")
	}

	// The peer's ACK eventually drains the outbox.
	deadline := time.Now().Add(5 * time.Second)
	for {
		depth, err := engA.OutboxDepth(addrA)
		if err != nil {
			t.Fatalf("OutboxDepth() error = %v", err)
		}
		if depth == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("outbox not drained, depth %d", depth)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The conversation is on record at both ends.
	logA, err := engA.ListLog(addrA, addrB, 10, 0)
	if err != nil {
		t.Fatalf("ListLog() error = %v", err)
	}
	if len(logA) != 2 {
		t.Errorf("log has %d entries, want 2", len(logA))
	}
}

func TestDuplicateDeliveryIsSuppressed(t *testing.T) {
	bus := transport.NewMemoryTransport()
	defer bus.Close()
	dir := t.TempDir()

	engA := testEngine(t, testStore(t, filepath.Join(dir, "a.db")), bus)
	engB := testEngine(t, testStore(t, filepath.Join(dir, "b.db")), bus)

	addrA, _ := engA.CreateIdentity()
	addrB, _ := engB.CreateIdentity()

	// Tap the recipient's inbox so the raw envelope can be replayed.
	ctx := context.Background()
	tap, err := bus.Subscribe(ctx, transport.TopicFor(addrB))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, _, err := engA.Send(sendCtx, addrA, addrB, []byte("once only")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitReceived(t, engB, 5*time.Second)

	// Replay everything the tap saw, DATA envelope included.
	var replayed [][]byte
	for {
		select {
		case raw := <-tap:
			replayed = append(replayed, raw)
			continue
		case <-time.After(200 * time.Millisecond):
		}
		break
	}
	if len(replayed) == 0 {
		t.Fatal("tap captured nothing")
	}
	for _, raw := range replayed {
		if err := bus.Publish(ctx, transport.TopicFor(addrB), raw); err != nil {
			t.Fatalf("replay Publish() error = %v", err)
		}
	}

	select {
	case msg := <-engB.Receive():
		t.Errorf("duplicate delivery surfaced %q", msg.Plaintext)
	case <-time.After(500 * time.Millisecond):
	}

	if entries, _ := engB.ListLog(addrB, addrA, 10, 0); len(entries) != 1 {
		t.Errorf("log has %d entries after replay, want 1", len(entries))
	}
}

func TestCrashRecoveryResumesCounters(t *testing.T) {
	bus := transport.NewMemoryTransport()
	defer bus.Close()
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.db")

	storeA := testStore(t, pathA)
	engA := testEngine(t, storeA, bus)
	engB := testEngine(t, testStore(t, filepath.Join(dir, "b.db")), bus)

	addrA, _ := engA.CreateIdentity()
	addrB, _ := engB.CreateIdentity()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, c1, err := engA.Send(ctx, addrA, addrB, []byte("before crash"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitReceived(t, engB, 5*time.Second)

	// Simulate a crash and restart from the same database.
	engA.Close()
	storeA.Close()
	restarted := testEngine(t, testStore(t, pathA), bus)

	ids := restarted.Identities()
	if len(ids) != 1 || ids[0] != addrA {
		t.Fatalf("restarted identities = %v, want [%s]", ids, addrA)
	}

	// The restored session continues the counter sequence instead of
	// reusing one.
	_, c2, err := restarted.Send(ctx, addrA, addrB, []byte("after crash"))
	if err != nil {
		t.Fatalf("Send() after restart error = %v", err)
	}
	if c2 != c1+1 {
		t.Errorf("counter after restart = %d, want %d", c2, c1+1)
	}
	msg := waitReceived(t, engB, 5*time.Second)
	if !bytes.Equal(msg.Plaintext, []byte("after crash")) {
		t.Errorf("received %q after restart", msg.Plaintext)
	}
}

func TestConcurrentPeersDoNotInterfere(t *testing.T) {
	bus := transport.NewMemoryTransport()
	defer bus.Close()
	dir := t.TempDir()

	engA := testEngine(t, testStore(t, filepath.Join(dir, "a.db")), bus)
	engB := testEngine(t, testStore(t, filepath.Join(dir, "b.db")), bus)
	engC := testEngine(t, testStore(t, filepath.Join(dir, "c.db")), bus)

	addrA, _ := engA.CreateIdentity()
	addrB, _ := engB.CreateIdentity()
	addrC, _ := engC.CreateIdentity()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		_, _, err := engA.Send(ctx, addrA, addrB, []byte("to bob"))
		errs <- err
	}()
	go func() {
		_, _, err := engA.Send(ctx, addrA, addrC, []byte("to carol"))
		errs <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent Send() error = %v", err)
		}
	}

	if msg := waitReceived(t, engB, 5*time.Second); !bytes.Equal(msg.Plaintext, []byte("to bob")) {
		t.Errorf("bob received %q", msg.Plaintext)
	}
	if msg := waitReceived(t, engC, 5*time.Second); !bytes.Equal(msg.Plaintext, []byte("to carol")) {
		t.Errorf("carol received %q", msg.Plaintext)
	}
}

func TestExportRequiresOptIn(t *testing.T) {
	bus := transport.NewMemoryTransport()
	defer bus.Close()
	dir := t.TempDir()

	locked := testEngine(t, testStore(t, filepath.Join(dir, "locked.db")), bus)
	addr, _ := locked.CreateIdentity()
	if _, err := locked.ExportIdentity(addr); !errors.Is(err, ErrExportDenied) {
		t.Errorf("ExportIdentity() error = %v, want ErrExportDenied", err)
	}

	store := testStore(t, filepath.Join(dir, "open.db"))
	open, err := New(Config{Store: store, Transport: bus, AllowExport: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := open.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer open.Close()

	addr2, _ := open.CreateIdentity()
	kp, err := open.ExportIdentity(addr2)
	if err != nil {
		t.Fatalf("ExportIdentity() error = %v", err)
	}
	if crypto.DeriveAddress(kp.SignPublic) != addr2 {
		t.Error("exported key pair does not derive the identity address")
	}
}

func TestSendFromUnknownIdentity(t *testing.T) {
	bus := transport.NewMemoryTransport()
	defer bus.Close()

	eng := testEngine(t, testStore(t, filepath.Join(t.TempDir(), "a.db")), bus)

	kp, _ := crypto.GenerateKeyPair()
	stranger := crypto.DeriveAddress(kp.SignPublic)
	ctx := context.Background()
	if _, _, err := eng.Send(ctx, stranger, stranger, []byte("x")); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("Send() error = %v, want ErrUnknownIdentity", err)
	}
}

func TestImportIdentityRoundTrip(t *testing.T) {
	bus := transport.NewMemoryTransport()
	defer bus.Close()

	eng := testEngine(t, testStore(t, filepath.Join(t.TempDir(), "a.db")), bus)

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	addr, err := eng.ImportIdentity(kp)
	if err != nil {
		t.Fatalf("ImportIdentity() error = %v", err)
	}
	if addr != crypto.DeriveAddress(kp.SignPublic) {
		t.Error("imported identity has wrong address")
	}

	// Importing the same identity again is harmless.
	again, err := eng.ImportIdentity(kp)
	if err != nil {
		t.Fatalf("second ImportIdentity() error = %v", err)
	}
	if again != addr {
		t.Error("re-import changed the address")
	}

	sessions, err := eng.ListSessions(addr)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("fresh identity has %d sessions", len(sessions))
	}
}

// rekeyEngine builds an engine that rotates its session keys after two
// messages, so tests can cross an epoch boundary quickly.
func rekeyEngine(t *testing.T, store *storage.Store, bus transport.Transport) *Engine {
	t.Helper()
	e, err := New(Config{
		Store:         store,
		Transport:     bus,
		Session:       session.Config{RekeyAfterMessages: 2},
		RetryInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func waitEpoch(t *testing.T, e *Engine, identity crypto.Address, epoch uint32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		infos, err := e.ListSessions(identity)
		if err != nil {
			t.Fatalf("ListSessions() error = %v", err)
		}
		if len(infos) == 1 && infos[0].Epoch == epoch && infos[0].State == "established" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never reached epoch %d, have %+v", epoch, infos)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func waitOutboxDrained(t *testing.T, e *Engine, identity crypto.Address) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		depth, err := e.OutboxDepth(identity)
		if err != nil {
			t.Fatalf("OutboxDepth() error = %v", err)
		}
		if depth == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("outbox not drained, depth %d", depth)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStaleEpochDataIsNotAcked(t *testing.T) {
	bus := transport.NewMemoryTransport()
	defer bus.Close()
	dir := t.TempDir()

	engA := rekeyEngine(t, testStore(t, filepath.Join(dir, "a.db")), bus)
	engB := testEngine(t, testStore(t, filepath.Join(dir, "b.db")), bus)

	addrA, _ := engA.CreateIdentity()
	addrB, _ := engB.CreateIdentity()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := engA.Send(ctx, addrA, addrB, []byte("on the record")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitReceived(t, engB, 5*time.Second)
	waitOutboxDrained(t, engA, addrA)

	// Seal a second epoch-1 envelope behind the engine's back, so it is
	// never logged or queued anywhere. Its counter crossing the re-key
	// mark then rotates both sides to epoch 2.
	engA.mu.Lock()
	nA := engA.nodes[addrA]
	engA.mu.Unlock()
	prep, err := nA.mgr.PrepareData(addrB, []byte("sealed then lost"))
	if err != nil {
		t.Fatalf("PrepareData() error = %v", err)
	}
	if prep.Data == nil {
		t.Fatal("session not established")
	}
	stale := prep.Data.Envelope.Encode()

	waitEpoch(t, engA, addrA, 2)
	waitEpoch(t, engB, addrB, 2)

	// Watch the sender's inbox for the acknowledgment that must not
	// come: confirming an envelope the receiver never decrypted would
	// make the sender drop it as delivered.
	tap, err := bus.Subscribe(ctx, transport.TopicFor(addrA))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	for {
		select {
		case <-tap:
			continue
		case <-time.After(200 * time.Millisecond):
		}
		break
	}

	if err := bus.Publish(ctx, transport.TopicFor(addrB), stale); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case raw := <-tap:
		if env, err := protocol.Decode(raw); err == nil && env.Type == protocol.TypeAck {
			t.Error("receiver acknowledged a stale-epoch envelope it never decrypted")
		}
	case <-time.After(500 * time.Millisecond):
	}

	if entries, _ := engB.ListLog(addrB, addrA, 10, 0); len(entries) != 1 {
		t.Errorf("log has %d entries after stale delivery, want 1", len(entries))
	}
}

func TestRekeyRecoversUndeliveredMessage(t *testing.T) {
	busA := transport.NewMemoryTransport()
	defer busA.Close()
	busB := transport.NewMemoryTransport()
	defer busB.Close()
	dir := t.TempDir()

	engA := rekeyEngine(t, testStore(t, filepath.Join(dir, "a.db")), busA)
	engB := testEngine(t, testStore(t, filepath.Join(dir, "b.db")), busB)

	addrA, _ := engA.CreateIdentity()
	addrB, _ := engB.CreateIdentity()

	ctx := context.Background()

	// Bridge the two buses, swallowing every epoch-1 copy of the second
	// DATA envelope so it is still unacknowledged when the re-key lands.
	relay := func(src, dst transport.Transport, topic string, drop func(*protocol.Envelope) bool) {
		ch, err := src.Subscribe(ctx, topic)
		if err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
		go func() {
			for raw := range ch {
				if drop != nil {
					if env, err := protocol.Decode(raw); err == nil && drop(env) {
						continue
					}
				}
				dst.Publish(ctx, topic, raw)
			}
		}()
	}
	relay(busA, busB, transport.TopicFor(addrB), func(env *protocol.Envelope) bool {
		return env.Type == protocol.TypeData && env.Epoch == 1 && env.Counter == 2
	})
	relay(busB, busA, transport.TopicFor(addrA), nil)

	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, _, err := engA.Send(sendCtx, addrA, addrB, []byte("delivered")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitReceived(t, engB, 5*time.Second)

	epoch, counter, err := engA.Send(sendCtx, addrA, addrB, []byte("recovered"))
	if err != nil {
		t.Fatalf("second Send() error = %v", err)
	}
	if epoch != 1 || counter != 2 {
		t.Fatalf("second send at (epoch %d, counter %d), want (1, 2)", epoch, counter)
	}

	// The retry sweep re-seals the stranded message on the new epoch
	// once the rotation completes, and it arrives intact.
	msg := waitReceived(t, engB, 10*time.Second)
	if !bytes.Equal(msg.Plaintext, []byte("recovered")) {
		t.Errorf("received %q, want %q", msg.Plaintext, "recovered")
	}
	if msg.Epoch != 2 {
		t.Errorf("recovered message arrived on epoch %d, want 2", msg.Epoch)
	}

	waitOutboxDrained(t, engA, addrA)

	entries, err := engA.ListLog(addrA, addrB, 10, 0)
	if err != nil {
		t.Fatalf("ListLog() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("log has %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Status != storage.StatusDelivered {
			t.Errorf("entry (%d, %d) status = %s, want %s", e.Epoch, e.Counter, e.Status, storage.StatusDelivered)
		}
	}
}

func TestArchiveAndRestoreConversation(t *testing.T) {
	bus := transport.NewMemoryTransport()
	defer bus.Close()
	dir := t.TempDir()

	engA, err := New(Config{
		Store:         testStore(t, filepath.Join(dir, "a.db")),
		Transport:     bus,
		AllowExport:   true,
		RetryInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := engA.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { engA.Close() })
	engB := testEngine(t, testStore(t, filepath.Join(dir, "b.db")), bus)

	addrA, _ := engA.CreateIdentity()
	addrB, _ := engB.CreateIdentity()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, msg := range []string{"one", "two", "three"} {
		if _, _, err := engA.Send(ctx, addrA, addrB, []byte(msg)); err != nil {
			t.Fatalf("Send(%q) error = %v", msg, err)
		}
		waitReceived(t, engB, 5*time.Second)
	}

	snapDir := filepath.Join(dir, "snapshot")
	n, err := engA.ArchiveConversation(addrA, addrB, snapDir)
	if err != nil {
		t.Fatalf("ArchiveConversation() error = %v", err)
	}
	if n != 3 {
		t.Errorf("archived %d entries, want 3", n)
	}

	// Restore into a brand new store holding the same identity.
	kp, err := engA.ExportIdentity(addrA)
	if err != nil {
		t.Fatalf("ExportIdentity() error = %v", err)
	}
	fresh := testEngine(t, testStore(t, filepath.Join(dir, "fresh.db")), bus)
	if _, err := fresh.ImportIdentity(kp); err != nil {
		t.Fatalf("ImportIdentity() error = %v", err)
	}

	restored, err := fresh.RestoreConversation(addrA, snapDir)
	if err != nil {
		t.Fatalf("RestoreConversation() error = %v", err)
	}
	if restored != 3 {
		t.Errorf("restored %d entries, want 3", restored)
	}

	// Restoring again is a no-op thanks to idempotent append.
	again, err := fresh.RestoreConversation(addrA, snapDir)
	if err != nil {
		t.Fatalf("second RestoreConversation() error = %v", err)
	}
	if again != 0 {
		t.Errorf("second restore inserted %d entries, want 0", again)
	}

	entries, err := fresh.ListLog(addrA, addrB, 10, 0)
	if err != nil {
		t.Fatalf("ListLog() error = %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("restored log has %d entries, want 3", len(entries))
	}
}
