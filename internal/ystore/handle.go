package ystore

import "context"

// Handle is an open document.
//
// A handle outlives eviction. Append reopens an evicted document; Updates
// returns ErrNotOpen until then.
type Handle struct {
	store *Store
	key   string
	id    string
}

// ID identifies the open that produced this handle.
func (h *Handle) ID() string {
	return h.id
}

// Key returns the normalized document key.
func (h *Handle) Key() string {
	return h.key
}

// Append stores payload as the document's next update and returns its seq.
func (h *Handle) Append(ctx context.Context, payload []byte) (int64, error) {
	return h.store.AppendUpdate(ctx, h.key, payload)
}

// Updates returns the document's history. See Store.GetUpdates.
func (h *Handle) Updates(ctx context.Context) ([][]byte, error) {
	return h.store.GetUpdates(ctx, h.key)
}

// Close releases the document. Stored data is kept.
func (h *Handle) Close(ctx context.Context) error {
	return h.store.Close(ctx, h.key)
}
