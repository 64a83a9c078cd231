package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NattSiraOsvn/nattcell-sub001/pkg/artifacts"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/canonicalize"
	"github.com/NattSiraOsvn/nattcell-sub001/pkg/contracts"
)

// CheckpointStore persists checkpoints. LoadCheckpoint fails with NOT_FOUND
// for unknown ids.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp contracts.Checkpoint) error
	LoadCheckpoint(ctx context.Context, id string) (contracts.Checkpoint, error)
	ListCheckpoints(ctx context.Context, module string) ([]contracts.Checkpoint, error)
}

// CreateCheckpoint snapshots state for module and returns the checkpoint id.
func (e *Engine) CreateCheckpoint(ctx context.Context, module string, state map[string]any) (string, error) {
	if module == "" {
		return "", contracts.NewError(contracts.CodeValidation, "checkpoint module is required")
	}
	if state == nil {
		state = map[string]any{}
	}
	hash, err := canonicalize.CanonicalHash(state)
	if err != nil {
		return "", contracts.WrapError(contracts.CodeValidation, "checkpoint state is not canonicalizable", err)
	}
	cp := contracts.Checkpoint{
		ID:          uuid.NewString(),
		Module:      module,
		ModuleState: state,
		Timestamp:   e.clock().UTC(),
		ContentHash: hash,
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	e.logger.InfoContext(ctx, "checkpoint created", "checkpoint_id", cp.ID, "module", module)
	return cp.ID, nil
}

// RestoreCheckpoint returns the saved state of checkpoint id after checking
// its content hash. Applying the state is up to the caller.
func (e *Engine) RestoreCheckpoint(ctx context.Context, id string) (contracts.Checkpoint, error) {
	cp, err := e.checkpoints.LoadCheckpoint(ctx, id)
	if err != nil {
		return contracts.Checkpoint{}, err
	}
	if cp.ContentHash != "" {
		got, err := canonicalize.CanonicalHash(cp.ModuleState)
		if err != nil {
			return contracts.Checkpoint{}, contracts.WrapError(contracts.CodeChainIntegrity, "checkpoint state unreadable", err)
		}
		if got != cp.ContentHash {
			return contracts.Checkpoint{}, contracts.NewError(contracts.CodeChainIntegrity,
				"checkpoint %s content hash mismatch: stored %s, computed %s", id, cp.ContentHash, got)
		}
	}
	e.logger.InfoContext(ctx, "checkpoint restored", "checkpoint_id", id, "module", cp.Module)
	return cp, nil
}

// Checkpoints lists the checkpoints of module, or all when module is empty.
func (e *Engine) Checkpoints(ctx context.Context, module string) ([]contracts.Checkpoint, error) {
	return e.checkpoints.ListCheckpoints(ctx, module)
}

// MemoryCheckpointStore keeps checkpoints in process memory.
type MemoryCheckpointStore struct {
	mu  sync.RWMutex
	cps map[string]contracts.Checkpoint
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{cps: make(map[string]contracts.Checkpoint)}
}

func (s *MemoryCheckpointStore) SaveCheckpoint(_ context.Context, cp contracts.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[cp.ID] = cp
	return nil
}

func (s *MemoryCheckpointStore) LoadCheckpoint(_ context.Context, id string) (contracts.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cps[id]
	if !ok {
		return contracts.Checkpoint{}, contracts.NewError(contracts.CodeNotFound, "checkpoint %s not found", id)
	}
	return cp, nil
}

func (s *MemoryCheckpointStore) ListCheckpoints(_ context.Context, module string) ([]contracts.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Checkpoint, 0, len(s.cps))
	for _, cp := range s.cps {
		if module == "" || cp.Module == module {
			out = append(out, cp)
		}
	}
	sortCheckpoints(out)
	return out, nil
}

func sortCheckpoints(cps []contracts.Checkpoint) {
	sort.Slice(cps, func(i, j int) bool {
		if !cps[i].Timestamp.Equal(cps[j].Timestamp) {
			return cps[i].Timestamp.Before(cps[j].Timestamp)
		}
		return cps[i].ID < cps[j].ID
	})
}

// CheckpointRef locates a checkpoint body in blob storage.
type CheckpointRef struct {
	ID        string
	Module    string
	Digest    string
	Timestamp time.Time
}

// CheckpointIndex maps checkpoint ids to blob digests.
type CheckpointIndex interface {
	PutCheckpointRef(ctx context.Context, ref CheckpointRef) error
	GetCheckpointRef(ctx context.Context, id string) (CheckpointRef, bool, error)
	ListCheckpointRefs(ctx context.Context, module string) ([]CheckpointRef, error)
}

// BlobCheckpointStore writes checkpoint bodies to content-addressed blob
// storage and keeps the id to digest mapping in an index.
type BlobCheckpointStore struct {
	blobs artifacts.Store
	index CheckpointIndex
}

// NewBlobCheckpointStore uses an in-memory index when index is nil.
func NewBlobCheckpointStore(blobs artifacts.Store, index CheckpointIndex) *BlobCheckpointStore {
	if index == nil {
		index = NewMemoryCheckpointIndex()
	}
	return &BlobCheckpointStore{blobs: blobs, index: index}
}

func (s *BlobCheckpointStore) SaveCheckpoint(ctx context.Context, cp contracts.Checkpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	digest, err := s.blobs.Put(ctx, body)
	if err != nil {
		return fmt.Errorf("store checkpoint body: %w", err)
	}
	return s.index.PutCheckpointRef(ctx, CheckpointRef{ID: cp.ID, Module: cp.Module, Digest: digest, Timestamp: cp.Timestamp})
}

func (s *BlobCheckpointStore) LoadCheckpoint(ctx context.Context, id string) (contracts.Checkpoint, error) {
	ref, ok, err := s.index.GetCheckpointRef(ctx, id)
	if err != nil {
		return contracts.Checkpoint{}, err
	}
	if !ok {
		return contracts.Checkpoint{}, contracts.NewError(contracts.CodeNotFound, "checkpoint %s not found", id)
	}
	return s.load(ctx, ref)
}

func (s *BlobCheckpointStore) load(ctx context.Context, ref CheckpointRef) (contracts.Checkpoint, error) {
	body, err := s.blobs.Get(ctx, ref.Digest)
	if err != nil {
		return contracts.Checkpoint{}, fmt.Errorf("load checkpoint %s body: %w", ref.ID, err)
	}
	var cp contracts.Checkpoint
	if err := json.Unmarshal(body, &cp); err != nil {
		return contracts.Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", ref.ID, err)
	}
	return cp, nil
}

func (s *BlobCheckpointStore) ListCheckpoints(ctx context.Context, module string) ([]contracts.Checkpoint, error) {
	refs, err := s.index.ListCheckpointRefs(ctx, module)
	if err != nil {
		return nil, err
	}
	out := make([]contracts.Checkpoint, 0, len(refs))
	for _, ref := range refs {
		cp, err := s.load(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sortCheckpoints(out)
	return out, nil
}

// MemoryCheckpointIndex is a process-local CheckpointIndex.
type MemoryCheckpointIndex struct {
	mu   sync.RWMutex
	refs map[string]CheckpointRef
}

func NewMemoryCheckpointIndex() *MemoryCheckpointIndex {
	return &MemoryCheckpointIndex{refs: make(map[string]CheckpointRef)}
}

func (m *MemoryCheckpointIndex) PutCheckpointRef(_ context.Context, ref CheckpointRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[ref.ID] = ref
	return nil
}

func (m *MemoryCheckpointIndex) GetCheckpointRef(_ context.Context, id string) (CheckpointRef, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.refs[id]
	return ref, ok, nil
}

func (m *MemoryCheckpointIndex) ListCheckpointRefs(_ context.Context, module string) ([]CheckpointRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CheckpointRef
	for _, ref := range m.refs {
		if module == "" || ref.Module == module {
			out = append(out, ref)
		}
	}
	return out, nil
}
