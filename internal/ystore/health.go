package ystore

import "context"

// Health is a point-in-time view of the store, served by the status
// endpoint.
type Health struct {
	Status        string `json:"status"`
	Backend       string `json:"backend"`
	Persistent    bool   `json:"persistent"`
	OpenDocuments int    `json:"open_documents"`
	Error         string `json:"error,omitempty"`
}

// Health status values.
const (
	StatusOK          = "ok"
	StatusUnavailable = "unavailable"
)

// Health pings the backend and reports the number of open documents.
func (s *Store) Health(ctx context.Context) Health {
	h := Health{
		Status:        StatusOK,
		Backend:       s.backend.Kind(),
		Persistent:    s.backend.Persistent(),
		OpenDocuments: s.OpenDocuments(),
	}
	if s.isClosed() {
		h.Status = StatusUnavailable
		h.Error = ErrClosed.Error()
		return h
	}
	if err := s.backend.Ping(ctx); err != nil {
		h.Status = StatusUnavailable
		h.Error = err.Error()
	}
	return h
}
