// Package registry holds the in-memory view of serveable documents. Request
// handling never touches Postgres for document metadata; it reads an immutable
// snapshot that a background loop refreshes.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagecite/pagecite/internal/apperrors"
	"github.com/pagecite/pagecite/internal/config"
	"github.com/pagecite/pagecite/internal/metrics"
	"github.com/pagecite/pagecite/internal/models"
)

// State tracks the registry lifecycle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateRefreshing    State = "refreshing"
)

// Source supplies the registry's raw rows.
type Source interface {
	ListActiveDocuments(ctx context.Context) ([]*models.Document, error)
	ListOwners(ctx context.Context) ([]*models.Owner, error)
}

// Snapshot is an immutable index of active documents and their owners.
// Handlers read whole snapshots; a refresh swaps the pointer and never
// mutates a published map.
type Snapshot struct {
	BySlug  map[string]*models.Document
	ByID    map[uuid.UUID]*models.Document
	Owners  map[uuid.UUID]*models.Owner
	BuiltAt time.Time
}

// Registry serves document lookups from the current snapshot and refreshes it
// on a timer or on demand.
type Registry struct {
	source Source
	cfg    config.RegistryConfig
	logger *zap.Logger

	snapshot   atomic.Pointer[Snapshot]
	state      atomic.Value // State
	invalidate chan struct{}
	stop       chan struct{}
	wg         sync.WaitGroup
}

// New creates a registry in the uninitialized state. Call Start to load.
func New(source Source, cfg config.RegistryConfig, logger *zap.Logger) *Registry {
	r := &Registry{
		source:     source,
		cfg:        cfg,
		logger:     logger,
		invalidate: make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	r.state.Store(StateUninitialized)
	return r
}

// Start performs the initial load and launches the refresh loop. An empty
// catalog is a valid (empty) snapshot; only a failing catalog is an error.
func (r *Registry) Start(ctx context.Context) error {
	r.state.Store(StateLoading)

	loadCtx := ctx
	if r.cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, r.cfg.LoadTimeout)
		defer cancel()
	}
	snap, err := r.build(loadCtx)
	if err != nil {
		r.state.Store(StateUninitialized)
		metrics.RecordRegistryRefresh("error", 0)
		return fmt.Errorf("initial registry load: %w", err)
	}
	r.snapshot.Store(snap)
	r.state.Store(StateReady)
	metrics.RecordRegistryRefresh("ok", len(snap.BySlug))
	r.logger.Info("Document registry loaded",
		zap.Int("documents", len(snap.BySlug)),
		zap.Int("owners", len(snap.Owners)))

	r.wg.Add(1)
	go r.refreshLoop()
	return nil
}

// Stop terminates the refresh loop.
func (r *Registry) Stop() {
	close(r.stop)
	r.wg.Wait()
}

// Invalidate requests an immediate refresh, used when ingestion activates a
// document. The signal coalesces; at most one refresh is pending.
func (r *Registry) Invalidate() {
	select {
	case r.invalidate <- struct{}{}:
	default:
	}
}

// State returns the current lifecycle state.
func (r *Registry) State() State {
	return r.state.Load().(State)
}

// Ready reports whether a snapshot is being served.
func (r *Registry) Ready() bool {
	s := r.State()
	return s == StateReady || s == StateRefreshing
}

// Snapshot returns the current view, or nil before the first load completes.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// Resolve maps a public slug to its document.
func (r *Registry) Resolve(slug string) (*models.Document, error) {
	snap := r.snapshot.Load()
	if snap == nil {
		return nil, apperrors.New(apperrors.KindServiceUnavailable, "document registry is not ready")
	}
	doc, ok := snap.BySlug[slug]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindNotFound, "document %q not found", slug)
	}
	return doc, nil
}

// ResolveID maps a document id to its document. Ingestion and quiz lookups
// use this after the slug has already been resolved once.
func (r *Registry) ResolveID(id uuid.UUID) (*models.Document, error) {
	snap := r.snapshot.Load()
	if snap == nil {
		return nil, apperrors.New(apperrors.KindServiceUnavailable, "document registry is not ready")
	}
	doc, ok := snap.ByID[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.KindNotFound, "document %q not found", id.String())
	}
	return doc, nil
}

// ResolveMany maps each slug in order, failing on the first unknown slug.
func (r *Registry) ResolveMany(slugs []string) ([]*models.Document, error) {
	docs := make([]*models.Document, 0, len(slugs))
	for _, slug := range slugs {
		doc, err := r.Resolve(slug)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Owner returns the owner for a document, if present in the snapshot.
func (r *Registry) Owner(id uuid.UUID) (*models.Owner, bool) {
	snap := r.snapshot.Load()
	if snap == nil {
		return nil, false
	}
	owner, ok := snap.Owners[id]
	return owner, ok
}

// Documents lists the snapshot's documents ordered by slug.
func (r *Registry) Documents() []*models.Document {
	snap := r.snapshot.Load()
	if snap == nil {
		return nil
	}
	docs := make([]*models.Document, 0, len(snap.BySlug))
	for _, doc := range snap.BySlug {
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Slug < docs[j].Slug })
	return docs
}

func (r *Registry) refreshLoop() {
	defer r.wg.Done()
	interval := r.cfg.RefreshInterval
	if interval <= 0 {
		interval = 120 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.refresh()
		case <-r.invalidate:
			r.refresh()
		case <-r.stop:
			return
		}
	}
}

// refresh rebuilds the snapshot. On failure the previous snapshot keeps
// serving; a stale view beats an outage.
func (r *Registry) refresh() {
	r.state.Store(StateRefreshing)
	defer r.state.Store(StateReady)

	ctx := context.Background()
	if r.cfg.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.LoadTimeout)
		defer cancel()
	}

	snap, err := r.build(ctx)
	if err != nil {
		metrics.RecordRegistryRefresh("error", 0)
		r.logger.Warn("Registry refresh failed, serving previous snapshot", zap.Error(err))
		return
	}
	r.snapshot.Store(snap)
	metrics.RecordRegistryRefresh("ok", len(snap.BySlug))
	r.logger.Debug("Registry refreshed", zap.Int("documents", len(snap.BySlug)))
}

func (r *Registry) build(ctx context.Context) (*Snapshot, error) {
	docs, err := r.source.ListActiveDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	owners, err := r.source.ListOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}

	snap := &Snapshot{
		BySlug:  make(map[string]*models.Document, len(docs)),
		ByID:    make(map[uuid.UUID]*models.Document, len(docs)),
		Owners:  make(map[uuid.UUID]*models.Owner, len(owners)),
		BuiltAt: time.Now(),
	}
	for _, owner := range owners {
		snap.Owners[owner.ID] = owner
	}
	for _, doc := range docs {
		if _, ok := snap.Owners[doc.OwnerID]; !ok {
			r.logger.Warn("Document with unknown owner excluded from registry",
				zap.String("slug", doc.Slug),
				zap.String("owner_id", doc.OwnerID.String()))
			continue
		}
		snap.BySlug[doc.Slug] = doc
		snap.ByID[doc.ID] = doc
	}
	return snap, nil
}
