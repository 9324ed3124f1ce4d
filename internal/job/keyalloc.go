// Package job implements the worker side of content generation: the
// dispatcher that enqueues jobs, the allocator that pre-distributes
// rate-limited credentials, the runner that fans out over content
// units, and the worker pool that consumes the queue.
package job

import (
	"context"

	"github.com/atlasforge-ai/atlasforge/internal/core"
)

// KeyAllocator pre-distributes rate-limited credentials across the
// units of one job. It issues exactly one credential-pool read per
// Allocate call regardless of unit count; per-unit reads under high
// concurrency are what used to exhaust the connection pool.
type KeyAllocator struct {
	source core.CredentialSource
}

// NewKeyAllocator creates an allocator over a credential source.
func NewKeyAllocator(source core.CredentialSource) *KeyAllocator {
	return &KeyAllocator{source: source}
}

// Allocate maps every unit id to a credential, round-robin over keys
// with remaining quota >= minQuota. Key reuse across many units within
// quota is deliberate soft over-subscription, not a defect. When no
// key qualifies every unit maps to the empty string, which pushes
// callers onto the fallback provider.
func (a *KeyAllocator) Allocate(ctx context.Context, unitIDs []string, minQuota int) (map[string]string, error) {
	leases, err := a.source.ListKeys(ctx, minQuota)
	if err != nil {
		return nil, core.ErrInfra(core.CodeStoreFailed, "listing credential pool").WithCause(err)
	}

	out := make(map[string]string, len(unitIDs))
	if len(leases) == 0 {
		for _, id := range unitIDs {
			out[id] = ""
		}
		return out, nil
	}

	for i, id := range unitIDs {
		out[id] = leases[i%len(leases)].APIKey
	}
	return out, nil
}
