// Package resolver turns matched links into downloadable media descriptions.
package resolver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/iconidentify/linkgrabba/internal/domain"
)

// Resolver resolves links of one platform.
type Resolver interface {
	Platform() domain.Platform
	// Resolve returns the media behind ref. Errors are *domain.ResolutionError.
	// cookies may be nil.
	Resolve(ctx context.Context, ref domain.RawRef, cookies []*http.Cookie) (*domain.ResolvedMedia, error)
}

// Func adapts a function to the Resolver interface.
type Func struct {
	P  domain.Platform
	Fn func(ctx context.Context, ref domain.RawRef, cookies []*http.Cookie) (*domain.ResolvedMedia, error)
}

// Platform implements Resolver.
func (f Func) Platform() domain.Platform { return f.P }

// Resolve implements Resolver.
func (f Func) Resolve(ctx context.Context, ref domain.RawRef, cookies []*http.Cookie) (*domain.ResolvedMedia, error) {
	return f.Fn(ctx, ref, cookies)
}

// Registry dispatches refs to the resolver of their platform.
type Registry struct {
	resolvers map[domain.Platform]Resolver
}

// NewRegistry builds a registry. Registering two resolvers for one platform
// is an error.
func NewRegistry(resolvers ...Resolver) (*Registry, error) {
	r := &Registry{resolvers: make(map[domain.Platform]Resolver, len(resolvers))}
	for _, res := range resolvers {
		p := res.Platform()
		if !p.Valid() {
			return nil, fmt.Errorf("%w: %q", domain.ErrUnknownPlatform, p)
		}
		if _, dup := r.resolvers[p]; dup {
			return nil, fmt.Errorf("duplicate resolver for %s", p)
		}
		r.resolvers[p] = res
	}
	return r, nil
}

// Get returns the resolver for p.
func (r *Registry) Get(p domain.Platform) (Resolver, bool) {
	res, ok := r.resolvers[p]
	return res, ok
}

// Platforms returns the platforms with a registered resolver.
func (r *Registry) Platforms() domain.PlatformSet {
	set := domain.NewPlatformSet()
	for p := range r.resolvers {
		set[p] = struct{}{}
	}
	return set
}

// Resolve dispatches ref to its platform resolver.
func (r *Registry) Resolve(ctx context.Context, ref domain.RawRef, cookies []*http.Cookie) (*domain.ResolvedMedia, error) {
	res, ok := r.resolvers[ref.Platform]
	if !ok {
		return nil, domain.NewResolutionError(ref.Platform, ref.URL, domain.ErrUnsupported,
			fmt.Errorf("no resolver registered for %s", ref.Platform))
	}
	return res.Resolve(ctx, ref, cookies)
}
