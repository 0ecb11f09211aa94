// Package memory persists the rolling reasoning transcript per conversation
// thread in Redis. Only the orchestrator reads or writes it.
//
// Writes are read-modify-write under WATCH/MULTI so concurrent appends for
// the same thread never interleave into a corrupt document; a losing writer
// retries against the fresh value.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "checkpoint:"
	maxRetries = 8
)

// ErrConflict is returned when optimistic retries are exhausted.
var ErrConflict = errors.New("checkpoint write conflict")

// Role of a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is the trace of one tool invocation inside a turn.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Turn is one entry of the transcript.
type Turn struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`    // assistant turn that requested a tool
	ToolCallID string    `json:"tool_call_id,omitempty"` // tool turn answering it
	At         time.Time `json:"at"`
}

// Checkpoint is the stored state for one thread.
type Checkpoint struct {
	Turns     []Turn    `json:"turns"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Empty reports whether no turns are stored.
func (c Checkpoint) Empty() bool { return len(c.Turns) == 0 }

// Store reads and writes checkpoints.
type Store struct {
	rdb      *redis.Client
	ttl      time.Duration
	maxTurns int
}

// NewStore returns a checkpoint store. Checkpoints idle longer than ttl
// expire; maxTurns bounds the kept history (0 keeps everything).
func NewStore(rdb *redis.Client, ttl time.Duration, maxTurns int) *Store {
	return &Store{rdb: rdb, ttl: ttl, maxTurns: maxTurns}
}

func key(threadID string) string { return keyPrefix + threadID }

// Load returns the thread's checkpoint, or an empty one.
func (s *Store) Load(ctx context.Context, threadID string) (Checkpoint, error) {
	return s.get(ctx, s.rdb, threadID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) get(ctx context.Context, c getter, threadID string) (Checkpoint, error) {
	raw, err := c.Get(ctx, key(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint %s: %w", threadID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to decode checkpoint %s: %w", threadID, err)
	}
	return cp, nil
}

// Append adds turns to the thread, trimming to the newest maxTurns.
func (s *Store) Append(ctx context.Context, threadID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	k := key(threadID)
	txf := func(tx *redis.Tx) error {
		cp, err := s.get(ctx, tx, threadID)
		if err != nil {
			return err
		}
		cp.Turns = append(cp.Turns, turns...)
		if s.maxTurns > 0 && len(cp.Turns) > s.maxTurns {
			cp.Turns = cp.Turns[len(cp.Turns)-s.maxTurns:]
		}
		cp.Version++
		cp.UpdatedAt = time.Now().UTC()
		b, err := json.Marshal(cp)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, k, b, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, k)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("failed to append checkpoint %s: %w", threadID, err)
	}
	return ErrConflict
}

// Clear deletes the thread's checkpoint in full.
func (s *Store) Clear(ctx context.Context, threadID string) error {
	if err := s.rdb.Del(ctx, key(threadID)).Err(); err != nil {
		return fmt.Errorf("failed to clear checkpoint %s: %w", threadID, err)
	}
	return nil
}
