// Package memory implements an in-process persistence driver.
//
// Atomic units copy the state on their first write and swap the copy in
// only when the unit succeeds, so readers never observe partial work. A
// commit hook lets file-backed drivers persist each new state before it
// becomes visible. Units that write nothing commit nothing.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vendorflow/vendorflow/internal/sharing"
	"github.com/vendorflow/vendorflow/internal/store"
)

func init() {
	store.Register("memory", func(*store.DriverConfig) (store.Driver, error) {
		return New(), nil
	})
}

// Snapshot is the full driver state in a serializable form.
type Snapshot struct {
	Documents     []sharing.Document     `json:"documents"`
	Permissions   []sharing.Permission   `json:"permissions"`
	Chains        []sharing.Edge         `json:"chains"`
	Provenance    []sharing.Provenance   `json:"provenance"`
	Notifications []sharing.Notification `json:"notifications"`
}

// CommitHook receives the state about to be committed. An error aborts the
// commit.
type CommitHook func(Snapshot) error

// ErrReadOnly is returned when a View unit tries to write.
var ErrReadOnly = errors.New("write in read-only unit")

// Driver is the in-memory store.
type Driver struct {
	mu     sync.RWMutex
	st     *state
	hook   CommitHook
	closed bool
}

// New creates an empty driver.
func New() *Driver {
	return &Driver{st: newState()}
}

func (d *Driver) Name() string { return "memory" }

func (d *Driver) Init(context.Context) error { return nil }

func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// SetCommitHook installs h. It must be called before the driver is shared.
func (d *Driver) SetCommitHook(h CommitHook) { d.hook = h }

// Load replaces the whole state with snap.
func (d *Driver) Load(snap Snapshot) error {
	st := newState()
	for _, doc := range snap.Documents {
		st.documents[doc.ID] = doc
	}
	for _, p := range snap.Permissions {
		st.permissions[p.ID] = p
	}
	for _, e := range snap.Chains {
		if _, dup := st.tokens[e.ShareToken]; dup {
			return fmt.Errorf("%w: duplicate share token in snapshot", sharing.ErrConflict)
		}
		st.edges[e.ID] = e
		st.tokens[e.ShareToken] = e.ID
	}
	for _, p := range snap.Provenance {
		st.provenance[p.DocumentID] = p
	}
	for _, n := range snap.Notifications {
		st.notifications[n.ID] = n
	}

	d.mu.Lock()
	d.st = st
	d.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the committed state.
func (d *Driver) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.st.snapshot()
}

// Atomic runs fn and commits its writes when fn succeeds. Units are
// serialized driver-wide.
func (d *Driver) Atomic(ctx context.Context, _ string, fn func(ctx context.Context, tx sharing.Store) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return store.ErrClosed
	}

	v := &view{base: d.st}
	if err := fn(ctx, v); err != nil {
		return err
	}
	if v.work == nil {
		return nil
	}
	if d.hook != nil {
		if err := d.hook(v.work.snapshot()); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	d.st = v.work
	return nil
}

// View runs fn against the committed state under the read lock. Views run
// concurrently with each other; writes through tx fail with ErrReadOnly.
func (d *Driver) View(ctx context.Context, _ string, fn func(ctx context.Context, tx sharing.Store) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return store.ErrClosed
	}
	return fn(ctx, &view{base: d.st, readOnly: true})
}

// read runs fn against the committed state under the read lock.
func (d *Driver) read(fn func(st *state) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return store.ErrClosed
	}
	return fn(d.st)
}

// write runs a single mutation as its own atomic unit.
func (d *Driver) write(ctx context.Context, fn func(st *state) error) error {
	return d.Atomic(ctx, "", func(_ context.Context, tx sharing.Store) error {
		return tx.(*view).access().write(ctx, fn)
	})
}

func (d *Driver) Documents() sharing.DocumentRepo         { return documentRepo{d.access()} }
func (d *Driver) Permissions() sharing.PermissionRepo     { return permissionRepo{d.access()} }
func (d *Driver) Edges() sharing.EdgeRepo                 { return edgeRepo{d.access()} }
func (d *Driver) Provenance() sharing.ProvenanceRepo      { return provenanceRepo{d.access()} }
func (d *Driver) Notifications() sharing.NotificationRepo { return notificationRepo{d.access()} }

func (d *Driver) access() accessor {
	return accessor{read: d.read, write: d.write}
}

// view is the Store handed to a unit. It reads the committed state until
// the first write clones it into work. The driver lock is already held.
type view struct {
	base     *state
	work     *state
	readOnly bool
}

func (v *view) current() *state {
	if v.work != nil {
		return v.work
	}
	return v.base
}

func (v *view) access() accessor {
	return accessor{
		read: func(fn func(st *state) error) error { return fn(v.current()) },
		write: func(_ context.Context, fn func(st *state) error) error {
			if v.readOnly {
				return ErrReadOnly
			}
			if v.work == nil {
				v.work = v.base.clone()
			}
			return fn(v.work)
		},
	}
}

func (v *view) Documents() sharing.DocumentRepo         { return documentRepo{v.access()} }
func (v *view) Permissions() sharing.PermissionRepo     { return permissionRepo{v.access()} }
func (v *view) Edges() sharing.EdgeRepo                 { return edgeRepo{v.access()} }
func (v *view) Provenance() sharing.ProvenanceRepo      { return provenanceRepo{v.access()} }
func (v *view) Notifications() sharing.NotificationRepo { return notificationRepo{v.access()} }

type accessor struct {
	read  func(fn func(st *state) error) error
	write func(ctx context.Context, fn func(st *state) error) error
}

// state holds rows by value; every read hands out a copy.
type state struct {
	documents     map[string]sharing.Document
	permissions   map[string]sharing.Permission
	edges         map[string]sharing.Edge
	tokens        map[string]string // share token -> edge id
	provenance    map[string]sharing.Provenance
	notifications map[string]sharing.Notification
}

func newState() *state {
	return &state{
		documents:     make(map[string]sharing.Document),
		permissions:   make(map[string]sharing.Permission),
		edges:         make(map[string]sharing.Edge),
		tokens:        make(map[string]string),
		provenance:    make(map[string]sharing.Provenance),
		notifications: make(map[string]sharing.Notification),
	}
}

func (s *state) clone() *state {
	return &state{
		documents:     maps.Clone(s.documents),
		permissions:   maps.Clone(s.permissions),
		edges:         maps.Clone(s.edges),
		tokens:        maps.Clone(s.tokens),
		provenance:    maps.Clone(s.provenance),
		notifications: maps.Clone(s.notifications),
	}
}

func (s *state) snapshot() Snapshot {
	snap := Snapshot{
		Documents:     slices.Collect(maps.Values(s.documents)),
		Permissions:   slices.Collect(maps.Values(s.permissions)),
		Chains:        slices.Collect(maps.Values(s.edges)),
		Provenance:    slices.Collect(maps.Values(s.provenance)),
		Notifications: slices.Collect(maps.Values(s.notifications)),
	}
	slices.SortFunc(snap.Documents, func(a, b sharing.Document) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Permissions, func(a, b sharing.Permission) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Chains, func(a, b sharing.Edge) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(snap.Provenance, func(a, b sharing.Provenance) int { return strings.Compare(a.DocumentID, b.DocumentID) })
	slices.SortFunc(snap.Notifications, func(a, b sharing.Notification) int { return strings.Compare(a.ID, b.ID) })
	return snap
}

// Row copies. Slices and maps are copied so callers cannot reach into the
// stored rows.

func copyPermission(p sharing.Permission) *sharing.Permission {
	p.DocumentTypes = slices.Clone(p.DocumentTypes)
	return &p
}

func copyEdge(e sharing.Edge) *sharing.Edge {
	if e.ParentChainID != nil {
		parent := *e.ParentChainID
		e.ParentChainID = &parent
	}
	if e.ExpiresAt != nil {
		exp := *e.ExpiresAt
		e.ExpiresAt = &exp
	}
	return &e
}

func copyProvenance(p sharing.Provenance) *sharing.Provenance {
	p.AccessPath = slices.Clone(p.AccessPath)
	return &p
}

func copyNotification(n sharing.Notification) *sharing.Notification {
	n.Metadata = maps.Clone(n.Metadata)
	return &n
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", sharing.ErrNotFound, kind, id)
}

type documentRepo struct{ a accessor }

func (r documentRepo) Create(ctx context.Context, doc *sharing.Document) error {
	return r.a.write(ctx, func(st *state) error {
		if _, dup := st.documents[doc.ID]; dup {
			return fmt.Errorf("%w: document %s already exists", sharing.ErrConflict, doc.ID)
		}
		st.documents[doc.ID] = *doc
		return nil
	})
}

func (r documentRepo) Get(_ context.Context, id string) (*sharing.Document, error) {
	var out *sharing.Document
	err := r.a.read(func(st *state) error {
		doc, ok := st.documents[id]
		if !ok {
			return notFound("document", id)
		}
		out = &doc
		return nil
	})
	return out, err
}

type permissionRepo struct{ a accessor }

func (r permissionRepo) Create(ctx context.Context, p *sharing.Permission) error {
	return r.a.write(ctx, func(st *state) error {
		if _, dup := st.permissions[p.ID]; dup {
			return fmt.Errorf("%w: permission %s already exists", sharing.ErrConflict, p.ID)
		}
		if p.Status == sharing.PermissionActive {
			for _, other := range st.permissions {
				if other.Status == sharing.PermissionActive &&
					other.GranterUserID == p.GranterUserID && other.GranteeUserID == p.GranteeUserID {
					return fmt.Errorf("%w: an active grant already exists for this pair", sharing.ErrConflict)
				}
			}
		}
		st.permissions[p.ID] = *copyPermission(*p)
		return nil
	})
}

func (r permissionRepo) Get(_ context.Context, id string) (*sharing.Permission, error) {
	var out *sharing.Permission
	err := r.a.read(func(st *state) error {
		p, ok := st.permissions[id]
		if !ok {
			return notFound("permission", id)
		}
		out = copyPermission(p)
		return nil
	})
	return out, err
}

func (r permissionRepo) Update(ctx context.Context, p *sharing.Permission) error {
	return r.a.write(ctx, func(st *state) error {
		if _, ok := st.permissions[p.ID]; !ok {
			return notFound("permission", p.ID)
		}
		st.permissions[p.ID] = *copyPermission(*p)
		return nil
	})
}

func (r permissionRepo) ListByUser(_ context.Context, userID string) ([]*sharing.Permission, error) {
	var out []*sharing.Permission
	err := r.a.read(func(st *state) error {
		for _, p := range st.permissions {
			if p.GranterUserID == userID || p.GranteeUserID == userID {
				out = append(out, copyPermission(p))
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *sharing.Permission) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out, err
}

func (r permissionRepo) FindActive(_ context.Context, granterUserID, granteeUserID string) (*sharing.Permission, error) {
	var out *sharing.Permission
	err := r.a.read(func(st *state) error {
		for _, p := range st.permissions {
			if p.Status == sharing.PermissionActive && p.GranterUserID == granterUserID && p.GranteeUserID == granteeUserID {
				out = copyPermission(p)
				return nil
			}
		}
		return notFound("active permission", granterUserID+"->"+granteeUserID)
	})
	return out, err
}

type edgeRepo struct{ a accessor }

func (r edgeRepo) Create(ctx context.Context, e *sharing.Edge) error {
	return r.a.write(ctx, func(st *state) error {
		if _, dup := st.edges[e.ID]; dup {
			return fmt.Errorf("%w: chain %s already exists", sharing.ErrConflict, e.ID)
		}
		if _, dup := st.tokens[e.ShareToken]; dup {
			return fmt.Errorf("%w: share token already in use", sharing.ErrConflict)
		}
		st.edges[e.ID] = *copyEdge(*e)
		st.tokens[e.ShareToken] = e.ID
		return nil
	})
}

func (r edgeRepo) Get(_ context.Context, id string) (*sharing.Edge, error) {
	var out *sharing.Edge
	err := r.a.read(func(st *state) error {
		e, ok := st.edges[id]
		if !ok {
			return notFound("chain", id)
		}
		out = copyEdge(e)
		return nil
	})
	return out, err
}

func (r edgeRepo) GetByToken(_ context.Context, token string) (*sharing.Edge, error) {
	var out *sharing.Edge
	err := r.a.read(func(st *state) error {
		id, ok := st.tokens[token]
		if !ok {
			return fmt.Errorf("%w: share token", sharing.ErrNotFound)
		}
		out = copyEdge(st.edges[id])
		return nil
	})
	return out, err
}

func (r edgeRepo) ListByDocument(_ context.Context, documentID string) ([]*sharing.Edge, error) {
	var out []*sharing.Edge
	err := r.a.read(func(st *state) error {
		for _, e := range st.edges {
			if e.DocumentID == documentID {
				out = append(out, copyEdge(e))
			}
		}
		return nil
	})
	sortOldestFirst(out)
	return out, err
}

func (r edgeRepo) UpdateStatus(ctx context.Context, id string, status sharing.EdgeStatus) error {
	return r.a.write(ctx, func(st *state) error {
		e, ok := st.edges[id]
		if !ok {
			return notFound("chain", id)
		}
		e.Status = status
		st.edges[id] = e
		return nil
	})
}

func (r edgeRepo) ListExpired(_ context.Context, now time.Time) ([]*sharing.Edge, error) {
	var out []*sharing.Edge
	err := r.a.read(func(st *state) error {
		for _, e := range st.edges {
			if e.Status == sharing.EdgeActive && e.ExpiredAt(now) {
				out = append(out, copyEdge(e))
			}
		}
		return nil
	})
	sortOldestFirst(out)
	return out, err
}

func sortOldestFirst(edges []*sharing.Edge) {
	slices.SortFunc(edges, func(a, b *sharing.Edge) int {
		if c := a.SharedAt.Compare(b.SharedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

type provenanceRepo struct{ a accessor }

func (r provenanceRepo) Get(_ context.Context, documentID string) (*sharing.Provenance, error) {
	var out *sharing.Provenance
	err := r.a.read(func(st *state) error {
		p, ok := st.provenance[documentID]
		if !ok {
			return notFound("provenance", documentID)
		}
		out = copyProvenance(p)
		return nil
	})
	return out, err
}

func (r provenanceRepo) Save(ctx context.Context, p *sharing.Provenance) error {
	return r.a.write(ctx, func(st *state) error {
		st.provenance[p.DocumentID] = *copyProvenance(*p)
		return nil
	})
}

type notificationRepo struct{ a accessor }

func (r notificationRepo) Create(ctx context.Context, n *sharing.Notification) error {
	return r.a.write(ctx, func(st *state) error {
		if _, dup := st.notifications[n.ID]; dup {
			return fmt.Errorf("%w: notification %s already exists", sharing.ErrConflict, n.ID)
		}
		st.notifications[n.ID] = *copyNotification(*n)
		return nil
	})
}

func (r notificationRepo) Get(_ context.Context, id string) (*sharing.Notification, error) {
	var out *sharing.Notification
	err := r.a.read(func(st *state) error {
		n, ok := st.notifications[id]
		if !ok {
			return notFound("notification", id)
		}
		out = copyNotification(n)
		return nil
	})
	return out, err
}

func (r notificationRepo) ListForUser(_ context.Context, userID string, unreadOnly bool) ([]*sharing.Notification, error) {
	var out []*sharing.Notification
	err := r.a.read(func(st *state) error {
		for _, n := range st.notifications {
			if n.ToUserID == userID && (!unreadOnly || !n.IsRead) {
				out = append(out, copyNotification(n))
			}
		}
		return nil
	})
	slices.SortFunc(out, func(a, b *sharing.Notification) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out, err
}

func (r notificationRepo) CountUnread(_ context.Context, userID string) (int, error) {
	count := 0
	err := r.a.read(func(st *state) error {
		for _, n := range st.notifications {
			if n.ToUserID == userID && !n.IsRead {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (r notificationRepo) MarkRead(ctx context.Context, id string) error {
	return r.a.write(ctx, func(st *state) error {
		n, ok := st.notifications[id]
		if !ok {
			return notFound("notification", id)
		}
		n.IsRead = true
		st.notifications[id] = n
		return nil
	})
}

var (
	_ store.Driver  = (*Driver)(nil)
	_ sharing.Store = (*view)(nil)
)
