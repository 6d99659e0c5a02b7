// Package registry is the process-wide directory of named indices: their
// key types, their on-disk root page, and how many handles currently have
// them open. A flat manifest of (name, KeyType, root page id) entries
// plays the role a data dictionary plays for SQL tables, scaled down to
// opaque named indices.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xkv-store/btree"
	"github.com/zhukovaskychina/xkv-store/codec"
	"github.com/zhukovaskychina/xkv-store/logger"
	"github.com/zhukovaskychina/xkv-store/storage/bufferpool"
	"github.com/zhukovaskychina/xkv-store/storage/page"
	"github.com/zhukovaskychina/xkv-store/storeerr"
	"github.com/zhukovaskychina/xkv-store/wal"
)

const manifestFileName = "registry.json"

// manifestEntry is the persisted shape of one registered index.
type manifestEntry struct {
	Name       string        `json:"name"`
	KeyType    codec.KeyType `json:"key_type"`
	RootPageID uint32        `json:"root_page_id"`
	CreatedAt  time.Time     `json:"created_at"`
	ModifiedAt time.Time     `json:"modified_at"`
}

type manifest struct {
	Indices map[string]*manifestEntry `json:"indices"`
}

// entry is one index's live, in-memory state. It outlives every Handle
// opened against it: Close only decrements openCount and the physical
// index stays resident for the rest of the process.
type entry struct {
	name      string
	keyType   codec.KeyType
	createdAt time.Time

	store *page.Store
	pool  *bufferpool.Pool
	tree  *btree.Tree

	openCount int
}

// Registry is the process-wide index directory, protected by a single
// mutex: the same mutex serialises Create and the first Open that
// physically materialises an index.
type Registry struct {
	dir string
	log *wal.Writer

	pageSize     int
	poolCapacity int

	mu      sync.Mutex
	entries map[string]*entry
}

// New builds a registry rooted at dir, sharing log for every index's
// write-ahead records and giving each index's buffer pool the given
// capacity (in frames) and page size.
func New(dir string, log *wal.Writer, pageSize, poolCapacity int) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storeerr.AsFailure(err, "create registry dir %s", dir)
	}
	r := &Registry{
		dir:          dir,
		log:          log,
		pageSize:     pageSize,
		poolCapacity: poolCapacity,
		entries:      make(map[string]*entry),
	}
	if err := r.loadManifest(); err != nil {
		return nil, err
	}
	return r, nil
}

// Handle is a per-caller reference to an open index. It is safe to hold
// one Handle per goroutine; it carries no mutable state of its own beyond
// a closed flag.
type Handle struct {
	name    string
	keyType codec.KeyType
	tree    *btree.Tree

	mu     sync.Mutex
	closed bool
}

// Name reports the index name this handle was opened against.
func (h *Handle) Name() string { return h.name }

// KeyType reports the index's key discriminator.
func (h *Handle) KeyType() codec.KeyType { return h.keyType }

// Tree exposes the underlying B-tree for the facade's record operations.
func (h *Handle) Tree() *btree.Tree { return h.tree }

// IndexID is the stable numeric id the facade and lock manager use to key
// locks and WAL records for this index.
func (h *Handle) IndexID() uint32 { return indexIDFor(h.name) }

// Create registers a new index named name with the given key type. It
// fails with storeerr.DbExists if the name is already registered; the
// on-disk B-tree is not materialised until the first Open.
func (r *Registry) Create(keyType codec.KeyType, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return storeerr.DbExists
	}

	now := timestamp()
	r.entries[name] = &entry{name: name, keyType: keyType, createdAt: now}
	return r.saveManifestLocked(map[string]*manifestEntry{
		name: {Name: name, KeyType: keyType, RootPageID: uint32(page.InvalidID), CreatedAt: now, ModifiedAt: now},
	})
}

// Open returns a handle to name, materialising the on-disk page store and
// B-tree on the first open of a process's lifetime. Fails with
// storeerr.DbDoesNotExist if name was never Created.
func (r *Registry) Open(name string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, storeerr.DbDoesNotExist
	}

	if e.tree == nil {
		if err := r.materializeLocked(e); err != nil {
			return nil, err
		}
	}
	e.openCount++

	return &Handle{name: name, keyType: e.keyType, tree: e.tree}, nil
}

// Close releases h. The physical index is never torn down while the
// process lives, so this only decrements the open count and marks h
// closed so that a second Close is a no-op; Tree and the other accessors
// keep working on a closed handle. It is always safe to call.
func (r *Registry) Close(h *Handle) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[h.name]; ok && e.openCount > 0 {
		e.openCount--
	}
	return nil
}

// PoolFor implements txn.IndexResolver: it looks a materialised index up
// by its page-store identity, the same numeric id stamped on every WAL
// record for that index (indexIDFor below).
func (r *Registry) PoolFor(indexID uint32) (*bufferpool.Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.tree == nil {
			continue
		}
		if indexIDFor(e.name) == indexID {
			return e.pool, true
		}
	}
	return nil, false
}

func (r *Registry) materializeLocked(e *entry) error {
	dataPath := filepath.Join(r.dir, e.name+".idx")
	store, err := page.Open(dataPath, r.pageSize)
	if err != nil {
		return err
	}

	pool := bufferpool.NewPool(store, r.poolCapacity, r.log.FlushUpTo)

	rootID := page.InvalidID
	if persisted, ok := r.loadEntryLocked(e.name); ok {
		rootID = page.ID(persisted.RootPageID)
		if e.createdAt.IsZero() {
			e.createdAt = persisted.CreatedAt
		}
	}
	if e.createdAt.IsZero() {
		e.createdAt = timestamp()
	}

	tree, err := btree.Open(indexIDFor(e.name), e.keyType, pool, r.log, rootID)
	if err != nil {
		store.Close()
		return err
	}

	e.store = store
	e.pool = pool
	e.tree = tree
	tree.SetRootChangeHook(func(newRoot page.ID) {
		r.mu.Lock()
		defer r.mu.Unlock()
		err := r.saveManifestLocked(map[string]*manifestEntry{
			e.name: {Name: e.name, KeyType: e.keyType, RootPageID: uint32(newRoot), CreatedAt: e.createdAt, ModifiedAt: timestamp()},
		})
		if err != nil {
			logger.Errorf("registry: failed to persist new root %d for index %s: %v", newRoot, e.name, err)
		}
	})

	return r.saveManifestLocked(map[string]*manifestEntry{
		e.name: {Name: e.name, KeyType: e.keyType, RootPageID: uint32(tree.RootID()), CreatedAt: e.createdAt, ModifiedAt: timestamp()},
	})
}

// indexIDFor derives a stable numeric index id from its name by FNV-1a
// hashing, so WAL records and the lock manager's resource ids don't need
// to carry variable-length names.
func indexIDFor(name string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(name); i++ {
		h ^= uint32(name[i])
		h *= 16777619
	}
	return h
}

func (r *Registry) manifestPath() string {
	return filepath.Join(r.dir, manifestFileName)
}

func (r *Registry) loadManifest() error {
	path := r.manifestPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return storeerr.AsFailure(err, "read registry manifest")
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return storeerr.AsFailure(err, "parse registry manifest")
	}
	for name, me := range m.Indices {
		r.entries[name] = &entry{name: name, keyType: me.KeyType, createdAt: me.CreatedAt}
	}
	return nil
}

func (r *Registry) loadEntryLocked(name string) (*manifestEntry, bool) {
	data, err := os.ReadFile(r.manifestPath())
	if err != nil {
		return nil, false
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	me, ok := m.Indices[name]
	return me, ok
}

// saveManifestLocked merges updates into the persisted manifest and
// rewrites it. Caller holds r.mu.
func (r *Registry) saveManifestLocked(updates map[string]*manifestEntry) error {
	m := manifest{Indices: make(map[string]*manifestEntry)}
	if data, err := os.ReadFile(r.manifestPath()); err == nil {
		_ = json.Unmarshal(data, &m)
	}
	if m.Indices == nil {
		m.Indices = make(map[string]*manifestEntry)
	}
	for name, me := range updates {
		m.Indices[name] = me
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Annotate(err, "marshal registry manifest")
	}
	if err := os.WriteFile(r.manifestPath(), data, 0644); err != nil {
		return storeerr.AsFailure(err, "write registry manifest")
	}
	return nil
}

// CloseAll shuts down every materialised index's page store. Intended
// for process exit only; there is no per-index teardown during normal
// operation.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for _, e := range r.entries {
		if e.store == nil {
			continue
		}
		if err := e.pool.FlushAll(); err != nil && first == nil {
			first = err
		}
		if err := e.store.Close(); err != nil && first == nil {
			first = errors.Trace(err)
		}
	}
	return first
}

// Recover replays the write-ahead log at walDir against every index named
// in the manifest, before any index is opened for the session. It opens
// each referenced index's page file directly (bypassing the buffer pool,
// which has nothing cached yet on a cold start) and closes them again
// once recovery finishes; the next Open of that index reopens the file
// cleanly through the normal path.
func (r *Registry) Recover(walDir string) (wal.Stats, error) {
	r.mu.Lock()
	nameOf := make(map[uint32]string, len(r.entries))
	for name := range r.entries {
		nameOf[indexIDFor(name)] = name
	}
	r.mu.Unlock()

	ap := &recoveryApplier{dir: r.dir, pageSize: r.pageSize, nameOf: nameOf, stores: make(map[uint32]*page.Store)}
	defer ap.closeAll()

	return wal.Recover(walDir, ap)
}

// recoveryApplier implements wal.PageApplier by writing redo/undo images
// straight to each index's page file.
type recoveryApplier struct {
	dir      string
	pageSize int
	nameOf   map[uint32]string
	stores   map[uint32]*page.Store
}

func (ap *recoveryApplier) ApplyRedo(indexID, pageID uint32, after []byte, lsn uint64) error {
	return ap.apply(indexID, pageID, after, lsn)
}

func (ap *recoveryApplier) ApplyUndo(indexID, pageID uint32, before []byte, lsn uint64) error {
	return ap.apply(indexID, pageID, before, lsn)
}

func (ap *recoveryApplier) apply(indexID, pageID uint32, body []byte, lsn uint64) error {
	store, err := ap.storeFor(indexID)
	if err != nil {
		return err
	}
	pg, err := store.Read(page.ID(pageID))
	if err != nil {
		if errors.Cause(err) != page.ErrCorrupt {
			return storeerr.AsFailure(err, "recovery read page %d", pageID)
		}
		// A torn page is rebuilt from the logged image, not trusted.
		pg = page.New(page.ID(pageID), ap.pageSize)
	}
	if len(body) > 0 {
		copy(pg.Body, body)
	}
	pg.LSN = lsn
	if err := store.Write(pg); err != nil {
		return storeerr.AsFailure(err, "recovery write page %d", pageID)
	}
	return nil
}

func (ap *recoveryApplier) storeFor(indexID uint32) (*page.Store, error) {
	if s, ok := ap.stores[indexID]; ok {
		return s, nil
	}
	name, ok := ap.nameOf[indexID]
	if !ok {
		return nil, errors.Errorf("registry: recovery record for unregistered index id %d", indexID)
	}
	s, err := page.Open(filepath.Join(ap.dir, name+".idx"), ap.pageSize)
	if err != nil {
		return nil, err
	}
	ap.stores[indexID] = s
	return s, nil
}

func (ap *recoveryApplier) closeAll() {
	for _, s := range ap.stores {
		s.Close()
	}
}

// timestamp stamps manifest bookkeeping fields. These are advisory only
// (never compared against WAL LSNs), unlike the rest of the recovery path
// which avoids wall-clock time entirely.
func timestamp() time.Time {
	return time.Now()
}
