package gmail

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the message no longer exists. The
// transport adapter maps API 404s onto it so callers can drop stale queue
// entries without inspecting transport internals.
var ErrNotFound = errors.New("gmail: message not found")

// Client is the narrow Gmail surface the engine consumes: a message feed
// plus the mutation capability. Implementations live outside the core;
// every call is blocking and honors the context.
type Client interface {
	// List searches for message IDs matching q, one page at a time.
	List(ctx context.Context, q Query, pageToken string, pageSize int) (ListPage, error)
	// Get fetches the classification metadata for a single message.
	Get(ctx context.Context, id MessageID) (Message, error)
	// Modify applies label and read-state changes to a single message.
	Modify(ctx context.Context, id MessageID, ops ModifyOps) error
	// Delete permanently removes a message.
	Delete(ctx context.Context, id MessageID) error
	// ListLabels returns the name->ID and ID->name label mappings.
	ListLabels(ctx context.Context) (map[string]LabelID, map[LabelID]string, error)
	// EnsureLabel creates the named label if it does not exist.
	EnsureLabel(ctx context.Context, name string) (LabelID, error)
}
