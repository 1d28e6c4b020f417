// Package provider reacts to the host's link lifecycle: it builds a backend
// client when a tenant is linked, drops it when the link is removed and
// tears everything down on shutdown.
package provider

import (
	"context"
	"fmt"

	"github.com/koustreak/blobstore-s3/internal/errs"
	"github.com/koustreak/blobstore-s3/internal/filestore/factory"
	"github.com/koustreak/blobstore-s3/internal/logger"
	"github.com/koustreak/blobstore-s3/internal/registry"
)

// Operations is the part of the operation set that holds per-tenant state.
// *blobstore.Service satisfies it.
type Operations interface {
	ForgetTenant(id string)
	Close()
}

// Provider is the lifecycle handler. Link and Unlink may be called
// concurrently with each other and with blobstore operations.
type Provider struct {
	registry *registry.Registry
	build    factory.Builder
	ops      Operations
	log      *logger.Logger
}

// New returns a Provider that builds clients with build (factory.Build when
// nil) and registers them in reg.
func New(reg *registry.Registry, ops Operations, build factory.Builder, log *logger.Logger) *Provider {
	if build == nil {
		build = factory.Build
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Provider{registry: reg, build: build, ops: ops, log: log}
}

// Link builds a client from values and registers it for tenantID, replacing
// any previous client. On failure nothing is registered and a previous
// client, if any, stays in place.
func (p *Provider) Link(ctx context.Context, tenantID string, values map[string]string) error {
	if tenantID == "" {
		return errs.New(errs.ErrKindInvalidInput, "link requires a tenant identity")
	}
	store, err := p.build(ctx, values)
	if err != nil {
		p.log.Tenant(tenantID).ErrorWith("link rejected", err, nil)
		if errs.IsConfigInvalid(err) {
			return fmt.Errorf("link %s: %w", tenantID, err)
		}
		return errs.Config("link "+tenantID, err)
	}

	p.registry.Put(tenantID, store)
	p.log.Tenant(tenantID).InfoWith("tenant linked", map[string]interface{}{
		"backend": string(store.Provider()),
	})
	return nil
}

// Unlink removes tenantID's client and its unfinished uploads. Unlinking an
// unknown tenant is a no-op.
func (p *Provider) Unlink(tenantID string) {
	removed := p.registry.Remove(tenantID)
	if p.ops != nil {
		p.ops.ForgetTenant(tenantID)
	}
	if removed {
		p.log.Tenant(tenantID).Info("tenant unlinked")
	}
}

// Linked reports whether tenantID currently has a client.
func (p *Provider) Linked(tenantID string) bool {
	_, ok := p.registry.Get(tenantID)
	return ok
}

// Tenants lists the linked tenants in sorted order.
func (p *Provider) Tenants() []string {
	return p.registry.Tenants()
}

// Shutdown stops in-flight downloads and drops every client. Nothing is
// persisted.
func (p *Provider) Shutdown() {
	if p.ops != nil {
		p.ops.Close()
	}
	n := p.registry.Len()
	p.registry.Clear()
	p.log.Infof("provider shut down, %d links dropped", n)
}
