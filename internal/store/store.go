// Package store defines the distributed store the gateway mirrors sessions,
// offline queues and the IP blocklist into, and the bus it uses to talk to
// sibling instances.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for a missing or expired key.
var ErrNotFound = errors.New("store: key not found")

// ErrClosed is returned by a closed subscription or store.
var ErrClosed = errors.New("store: closed")

// Message is one payload received from a bus channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription receives messages from the channels it was opened for.
type Subscription interface {
	// Receive blocks until a message arrives, ctx is done or the
	// subscription fails.
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Publisher publishes payloads on a bus channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Store is the key/value, list, set and pub/sub surface the gateway needs.
type Store interface {
	Publisher

	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A zero ttl keeps the key until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// ListPush appends value, trims the list to its newest maxLen entries
	// and refreshes the key's ttl.
	ListPush(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error
	ListRange(ctx context.Context, key string) ([][]byte, error)
	// ListDrain returns every entry of the list and deletes it atomically.
	ListDrain(ctx context.Context, key string) ([][]byte, error)

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
