// Package remote defines the blob-storage contract consumed by the sync
// engine and its S3 implementation. Implementations must tag failures with
// syncerr kinds so the resilience layer can classify them.
package remote

import (
	"context"
	"time"
)

// Descriptor identifies one remote backup blob.
type Descriptor struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
	TenantID  string    `json:"tenant_id"`
	OriginID  string    `json:"origin_id"`
	Kind      string    `json:"kind"`
}

// Storage is the remote blob-store contract. Upload returns the blob id
// under which the payload was stored. Latest returns nil when the store is
// empty.
type Storage interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
	Download(ctx context.Context, id string) ([]byte, error)
	List(ctx context.Context) ([]Descriptor, error)
	Delete(ctx context.Context, id string) error
	Latest(ctx context.Context) (*Descriptor, error)
}
