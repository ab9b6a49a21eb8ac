// Package pair defines the forwarding pair model and the persistence
// contract shared by the poller, the lifecycle manager and the stores.
package pair

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a pair id is unknown to the store.
	ErrNotFound = errors.New("pair not found")

	// ErrInvalidConfig is returned when a pair configuration fails validation.
	ErrInvalidConfig = errors.New("invalid pair config")

	// ErrPersistence wraps every failure of the durable store.
	ErrPersistence = errors.New("persistence failure")
)

// MinPollInterval is the shortest interval the stores can represent.
const MinPollInterval = time.Millisecond

// ID identifies a pair. It is the primary key of the persisted record.
type ID int64

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseID parses the decimal form produced by ID.String.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse pair id %q: %w", s, err)
	}
	return ID(v), nil
}

// Config is one source wall to destination chat forwarding relationship
// together with its polling checkpoints.
type Config struct {
	SourceHandle  string        // wall handle: VK domain, numeric owner id or feed URL
	DestinationID int64         // destination chat id
	PollInterval  time.Duration // minimum time between two cycles

	// LastPollAt is the start of the most recent cycle. Nil before the first one.
	LastPollAt *time.Time

	// LastDeliveredAt is the checkpoint: publish time of the newest post
	// confirmed delivered. Nil until bootstrap finds the first post.
	LastDeliveredAt *time.Time
}

// Validate checks the invariants every persisted pair must hold.
func (c Config) Validate() error {
	if strings.TrimSpace(c.SourceHandle) == "" {
		return fmt.Errorf("%w: source handle is required", ErrInvalidConfig)
	}
	if c.DestinationID == 0 {
		return fmt.Errorf("%w: destination id is required", ErrInvalidConfig)
	}
	if c.PollInterval < MinPollInterval {
		return fmt.Errorf("%w: poll interval must be at least %s", ErrInvalidConfig, MinPollInterval)
	}
	return nil
}

// Bootstrapped reports whether the checkpoint has been established.
func (c Config) Bootstrapped() bool {
	return c.LastDeliveredAt != nil
}

// Clone returns a copy that shares no pointers with c.
func (c Config) Clone() Config {
	out := c
	if c.LastPollAt != nil {
		t := *c.LastPollAt
		out.LastPollAt = &t
	}
	if c.LastDeliveredAt != nil {
		t := *c.LastDeliveredAt
		out.LastDeliveredAt = &t
	}
	return out
}

// Store is the durable record of pairs and their checkpoints.
//
// Implementations must be safe for concurrent use by many pollers and must
// wrap their failures with ErrPersistence.
type Store interface {
	ListPairs(ctx context.Context) (map[ID]Config, error)
	InsertPair(ctx context.Context, cfg Config) (ID, error)
	UpdatePair(ctx context.Context, id ID, cfg Config) error
	DeletePair(ctx context.Context, id ID) error
}
