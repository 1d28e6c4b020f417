// Package registry holds the live backend client of every linked tenant.
//
// The Registry is constructed once at startup and handed to the lifecycle
// handler (the only writer) and the blobstore service (a reader). Reads
// take a shared lock, so concurrent operations never wait on each other;
// link and unlink take the exclusive lock only for the map mutation.
package registry

import (
	"sort"
	"sync"

	"github.com/koustreak/blobstore-s3/internal/filestore"
	"github.com/koustreak/blobstore-s3/internal/logger"
)

// Registry maps tenant identity to backend client.
// It is safe for concurrent use by multiple goroutines.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]filestore.Store
	log     *logger.Logger
}

// New returns an empty Registry. A nil log discards close failures.
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{clients: make(map[string]filestore.Store), log: log}
}

// Put registers store for tenant, replacing any previous client. The
// replaced client is closed after the lock is released.
func (r *Registry) Put(tenant string, store filestore.Store) {
	r.mu.Lock()
	old := r.clients[tenant]
	r.clients[tenant] = store
	r.mu.Unlock()

	if old != nil && old != store {
		r.release(tenant, old)
	}
}

// Get returns the client registered for tenant.
func (r *Registry) Get(tenant string) (filestore.Store, bool) {
	r.mu.RLock()
	store, ok := r.clients[tenant]
	r.mu.RUnlock()
	return store, ok
}

// Remove evicts and closes tenant's client. It reports whether a client was
// registered; removing an unknown tenant is a no-op.
func (r *Registry) Remove(tenant string) bool {
	r.mu.Lock()
	old, ok := r.clients[tenant]
	delete(r.clients, tenant)
	r.mu.Unlock()

	if ok {
		r.release(tenant, old)
	}
	return ok
}

// Clear evicts and closes every client.
func (r *Registry) Clear() {
	r.mu.Lock()
	old := r.clients
	r.clients = make(map[string]filestore.Store)
	r.mu.Unlock()

	for tenant, store := range old {
		r.release(tenant, store)
	}
}

// Len returns the number of linked tenants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Tenants returns the linked tenant identities in sorted order.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// release closes a client that is no longer reachable. In-flight calls
// that already hold it finish on their own connections.
func (r *Registry) release(tenant string, store filestore.Store) {
	if err := store.Close(); err != nil {
		r.log.Tenant(tenant).WarnWith("failed to close backend client", err, nil)
	}
}
