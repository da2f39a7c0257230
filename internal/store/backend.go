// Package store persists download snapshots.
package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"dman/internal/download"
	"dman/internal/store/redisstore"
)

// Backend is a snapshot store that can also load what it saved.
type Backend interface {
	download.SnapshotStore
	LoadSnapshot(ctx context.Context) (download.Snapshot, bool, error)
	Close() error
}

var _ Backend = (*redisstore.Store)(nil)

// OpenBackend picks a backend from storeURL. An empty URL or a sqlite://
// URL opens the SQLite database at dbPath (or the URL path when given);
// redis:// and rediss:// open Redis.
func OpenBackend(ctx context.Context, storeURL, dbPath string) (Backend, error) {
	storeURL = strings.TrimSpace(storeURL)
	if storeURL == "" {
		return Open(dbPath)
	}
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedStore, err)
	}
	switch u.Scheme {
	case "sqlite", "file":
		path := u.Path
		if u.Opaque != "" {
			path = u.Opaque
		}
		if path == "" {
			path = dbPath
		}
		return Open(path)
	case "redis", "rediss":
		return redisstore.Open(ctx, storeURL)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStore, u.Scheme)
	}
}
