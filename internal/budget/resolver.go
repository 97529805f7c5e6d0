package budget

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

// TenantLookup reads persisted per-tenant budget overrides. A tenant with no
// stored budget returns nil, nil.
type TenantLookup interface {
	FindTenantBudget(ctx context.Context, tenantID string) (*Override, error)
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	// MultiTenancy enables tenant resolution. When false every call resolves
	// to the empty tenant and only runtime overrides and Global apply.
	MultiTenancy bool

	// TenantFromContext derives a tenant when the caller passes none.
	TenantFromContext func(ctx context.Context) string

	// TenantBudget is an optional per-tenant callback consulted before the
	// persisted record.
	TenantBudget func(ctx context.Context, tenantID string) (*Override, error)

	Lookup TenantLookup
	Global Config
}

// Resolver produces the effective budget for a tenant. Each field is taken
// from the first source that sets it: runtime override, tenant callback,
// persisted tenant record, then the global configuration.
type Resolver struct {
	opts  ResolverOptions
	group singleflight.Group
}

func NewResolver(opts ResolverOptions) *Resolver {
	if opts.Global.Enforcement == "" {
		opts.Global.Enforcement = EnforcementNone
	}
	if opts.Global.WarningThreshold == 0 {
		opts.Global.WarningThreshold = DefaultWarningThreshold
	}
	return &Resolver{opts: opts}
}

// MultiTenancy reports whether tenant resolution is enabled.
func (r *Resolver) MultiTenancy() bool { return r.opts.MultiTenancy }

// Global returns the global budget.
func (r *Resolver) Global() Config { return r.opts.Global }

// ResolveTenantID returns the tenant for a call: empty when multi-tenancy
// is disabled, otherwise explicit if set, otherwise the context callback.
func (r *Resolver) ResolveTenantID(ctx context.Context, explicit string) string {
	if !r.opts.MultiTenancy {
		return ""
	}
	if explicit != "" {
		return explicit
	}
	if r.opts.TenantFromContext != nil {
		return r.opts.TenantFromContext(ctx)
	}
	return ""
}

// ResolveConfig merges the budget sources for tenantID field by field.
func (r *Resolver) ResolveConfig(ctx context.Context, tenantID string, runtime *Override) (Config, error) {
	cfg := r.opts.Global

	if tenantID != "" {
		persisted, err := r.persisted(ctx, tenantID)
		if err != nil {
			return Config{}, err
		}
		cfg = cfg.apply(persisted)

		if r.opts.TenantBudget != nil {
			cb, err := r.opts.TenantBudget(ctx, tenantID)
			if err != nil {
				return Config{}, fmt.Errorf("resolving budget for tenant %s: %w", tenantID, err)
			}
			cfg = cfg.apply(cb)
		}
	}

	return cfg.apply(runtime), nil
}

// lookupTimeout bounds one shared tenant budget lookup.
const lookupTimeout = 5 * time.Second

// persisted loads the stored override, collapsing concurrent lookups for the
// same tenant into one query.
func (r *Resolver) persisted(ctx context.Context, tenantID string) (*Override, error) {
	if r.opts.Lookup == nil {
		return nil, nil
	}
	// The shared lookup outlives the caller that started it. Each caller
	// stops waiting on its own cancellation.
	ch := r.group.DoChan(tenantID, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return r.opts.Lookup.FindTenantBudget(lctx, tenantID)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("finding budget for tenant %s: %w", tenantID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("finding budget for tenant %s: %w", tenantID, res.Err)
		}
		o, _ := res.Val.(*Override)
		return o, nil
	}
}
