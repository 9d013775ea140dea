// Package transport moves sealed envelopes between nodes over a
// topic-based publish/subscribe fabric. The transport carries opaque
// bytes only; it never sees plaintext and offers at-least-once,
// unordered delivery. Everything above it is built to tolerate
// duplicates and loss.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/quietwire/quietwire/pkg/crypto"
)

var ErrTransportUnavailable = errors.New("transport unavailable")

// Transport is the pub/sub surface the engine runs on
type Transport interface {
	// Publish sends data to every current subscriber of topic.
	// Delivery is best effort; the caller owns retries.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe joins topic and returns a channel of raw messages.
	// The channel closes when the transport shuts down.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)

	Close() error
}

// TopicFor returns the inbox topic of an address. Every node subscribes
// to its own identities' inbox topics and publishes to its peers'.
func TopicFor(addr crypto.Address) string {
	return fmt.Sprintf("quietwire/v1/inbox/%s", addr.String())
}
