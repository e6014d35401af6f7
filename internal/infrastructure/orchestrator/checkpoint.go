package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medtour/backend/internal/infrastructure/cache"
	"github.com/medtour/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// DefaultCheckpointTTL keeps checkpoints short lived; the orchestrator stays
// the system of record
const DefaultCheckpointTTL = time.Hour

// Checkpoint is the last known orchestrator state of a case
type Checkpoint map[string]any

// CheckpointKey returns the store key of a case checkpoint
func CheckpointKey(tenantID, caseID string) string {
	return tenantID + ":cases:fsm:" + caseID
}

// CheckpointStore persists encrypted checkpoints in the shared store
type CheckpointStore struct {
	store  cache.Store
	cipher *CheckpointCipher
	ttl    time.Duration
	logger *zap.Logger
}

// CheckpointOption configures a CheckpointStore
type CheckpointOption func(*CheckpointStore)

// WithCheckpointTTL overrides the checkpoint TTL
func WithCheckpointTTL(ttl time.Duration) CheckpointOption {
	return func(s *CheckpointStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithCheckpointLogger sets the logger used for corrupt entries
func WithCheckpointLogger(l *zap.Logger) CheckpointOption {
	return func(s *CheckpointStore) {
		s.logger = l
	}
}

// NewCheckpointStore creates a checkpoint store
func NewCheckpointStore(store cache.Store, cipher *CheckpointCipher, opts ...CheckpointOption) *CheckpointStore {
	s := &CheckpointStore{
		store:  store,
		cipher: cipher,
		ttl:    DefaultCheckpointTTL,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save serializes, encrypts and writes the checkpoint with the store TTL
func (s *CheckpointStore) Save(ctx context.Context, tenantID, caseID string, cp Checkpoint) error {
	if cp == nil {
		cp = Checkpoint{}
	}
	plaintext, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	sealed, err := s.cipher.Encrypt(tenantID, caseID, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt checkpoint: %w", err)
	}
	if err := s.store.Set(ctx, CheckpointKey(tenantID, caseID), sealed, s.ttl); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Fetch reads and decrypts a checkpoint.
// An entry that cannot be decrypted or parsed is logged and reported as absent.
func (s *CheckpointStore) Fetch(ctx context.Context, tenantID, caseID string) (Checkpoint, bool, error) {
	key := CheckpointKey(tenantID, caseID)
	sealed, err := s.store.Get(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read checkpoint: %w", err)
	}

	plaintext, err := s.cipher.Decrypt(tenantID, caseID, sealed)
	if err != nil {
		logger.For(ctx, s.logger).Warn("discarding unreadable checkpoint",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, false, nil
	}

	var cp Checkpoint
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.UseNumber()
	if err := dec.Decode(&cp); err != nil {
		logger.For(ctx, s.logger).Warn("discarding malformed checkpoint",
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, false, nil
	}
	return cp, true, nil
}

// Merge shallow-merges partial into the current checkpoint and rewrites it.
// Concurrent merges are last-write-wins.
func (s *CheckpointStore) Merge(ctx context.Context, tenantID, caseID string, partial Checkpoint) (Checkpoint, error) {
	current, _, err := s.Fetch(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	merged := make(Checkpoint, len(current)+len(partial))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	if err := s.Save(ctx, tenantID, caseID, merged); err != nil {
		return nil, err
	}
	return merged, nil
}
