package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/claims-fraud-engine/internal/domain/claim"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/errors"
	"github.com/davidleathers/claims-fraud-engine/internal/domain/values"
	"github.com/davidleathers/claims-fraud-engine/internal/metrics"
)

// Store is the durable write-ahead log behind the index
type Store interface {
	// AppendVersion persists a claim version before it becomes visible
	AppendVersion(ctx context.Context, c *claim.Claim) error
	// LoadVersions streams persisted versions in ascending version order
	LoadVersions(ctx context.Context, fn func(*claim.Claim) error) error
}

// Index is the append-only claim history. Appends are serialized; readers
// work on immutable Views and never block the writer.
type Index struct {
	mu sync.Mutex // serializes writers

	arena atomic.Pointer[[]*claim.Claim] // arena[v-1] holds version v
	head  atomic.Uint64

	byClaim     sync.Map // uuid.UUID -> uint64
	byGroup     postingIndex
	byPatient   postingIndex
	byProvider  postingIndex
	byProcedure postingIndex // procedure code + service day
	byPreauth   postingIndex
	groups      atomic.Int64

	store   Store
	metrics *metrics.Registry
	logger  *zap.Logger
}

type Option func(*Index)

// WithStore makes every append durable before it is published
func WithStore(s Store) Option {
	return func(ix *Index) { ix.store = s }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(ix *Index) { ix.metrics = r }
}

func NewIndex(logger *zap.Logger, opts ...Option) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	ix := &Index{logger: logger}
	empty := make([]*claim.Claim, 0, 1024)
	ix.arena.Store(&empty)
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Append validates c, assigns the next version and publishes it. Re-appending
// an identical claim returns the existing version.
func (ix *Index) Append(ctx context.Context, c *claim.Claim) (*claim.Claim, error) {
	if c == nil {
		return nil, errors.NewValidationError(errors.CodeInvalidClaim, "claim is required")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if existing, ok := ix.lookup(c.ID); ok {
		if sameContent(existing, c) {
			return existing, nil
		}
		return nil, errors.NewConflictError(fmt.Sprintf("claim %s already appended with different content", c.ID))
	}

	if err := ix.checkTransition(c); err != nil {
		return nil, err
	}

	stored := c.WithVersion(ix.head.Load() + 1)
	if ix.store != nil {
		if err := ix.store.AppendVersion(ctx, stored); err != nil {
			return nil, fmt.Errorf("persisting claim version %d: %w", stored.Version, err)
		}
	}

	ix.publish(stored)
	ix.logger.Debug("claim version appended",
		zap.String("claim_id", stored.ID.String()),
		zap.String("group_id", stored.GroupID.String()),
		zap.Uint64("version", stored.Version),
		zap.String("status", string(stored.Status)))
	return stored, nil
}

// Rehydrate rebuilds an empty index from the durable store
func (ix *Index) Rehydrate(ctx context.Context, store Store) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.head.Load() != 0 {
		return errors.NewConflictError("history index already populated")
	}

	count := 0
	err := store.LoadVersions(ctx, func(c *claim.Claim) error {
		want := ix.head.Load() + 1
		if c.Version != want {
			return fmt.Errorf("claim log gap: expected version %d, got %d", want, c.Version)
		}
		ix.publish(c.Clone())
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("rehydrating history index: %w", err)
	}

	ix.logger.Info("history index rehydrated",
		zap.Int("versions", count),
		zap.Int64("groups", ix.groups.Load()))
	return nil
}

// Head returns a view at the latest published version
func (ix *Index) Head() *View {
	return ix.viewAt(ix.head.Load())
}

// ViewAt returns the view "as of" version
func (ix *Index) ViewAt(version uint64) (*View, error) {
	if head := ix.head.Load(); version > head {
		return nil, errors.NewValidationError("VERSION_OUT_OF_RANGE",
			fmt.Sprintf("version %d is beyond head %d", version, head))
	}
	return ix.viewAt(version), nil
}

func (ix *Index) viewAt(version uint64) *View {
	arena := *ix.arena.Load()
	return &View{ix: ix, version: version, arena: arena[:version:version]}
}

func (ix *Index) lookup(id uuid.UUID) (*claim.Claim, bool) {
	v, ok := ix.byClaim.Load(id)
	if !ok {
		return nil, false
	}
	return (*ix.arena.Load())[v.(uint64)-1], true
}

func (ix *Index) checkTransition(c *claim.Claim) error {
	versions := ix.byGroup.get(c.GroupID.String())
	if len(versions) == 0 {
		if !c.Status.CanStartGroup() {
			return errors.NewValidationError(errors.CodeInvalidTransition,
				fmt.Sprintf("claim group %s cannot start with status %s", c.GroupID, c.Status))
		}
		return nil
	}

	head := (*ix.arena.Load())[versions[len(versions)-1]-1]
	if !c.Status.CanFollow(head.Status) {
		return errors.NewValidationError(errors.CodeInvalidTransition,
			fmt.Sprintf("status %s cannot follow %s in group %s", c.Status, head.Status, c.GroupID))
	}
	return nil
}

// publish appends to the arena and indexes. Caller holds mu.
func (ix *Index) publish(c *claim.Claim) {
	arena := append(*ix.arena.Load(), c)
	ix.arena.Store(&arena)

	v := c.Version
	if len(ix.byGroup.get(c.GroupID.String())) == 0 {
		ix.groups.Add(1)
	}
	ix.byGroup.add(c.GroupID.String(), v)
	ix.byPatient.add(c.PatientID, v)
	ix.byProvider.add(c.ProviderID, v)

	seen := make(map[string]struct{}, len(c.Lines))
	for _, l := range c.Lines {
		key := procedureKey(l.ProcedureCode, values.Day(l.ServiceDate))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ix.byProcedure.add(key, v)
	}
	for _, n := range c.PreauthNumbers() {
		ix.byPreauth.add(n, v)
	}

	ix.byClaim.Store(c.ID, v)
	ix.head.Store(v)
	ix.metrics.SetHistoryState(v, int(ix.groups.Load()))
}

// sameContent compares two appends of one claim id. Receipt time is not
// content: a redelivery stamped later is still the same claim.
func sameContent(a, b *claim.Claim) bool {
	ac, bc := a.Clone(), b.Clone()
	ac.Version, bc.Version = 0, 0
	ac.SubmittedAt, bc.SubmittedAt = time.Time{}, time.Time{}
	aj, errA := json.Marshal(ac)
	bj, errB := json.Marshal(bc)
	return errA == nil && errB == nil && bytes.Equal(aj, bj)
}
