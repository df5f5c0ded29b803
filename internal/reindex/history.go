package reindex

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/indexkeeper/internal/roles"
)

// DefaultHistorySize is the number of identifiers whose outcome is kept.
const DefaultHistorySize = 4096

// History keeps the latest outcome per (role, identifier), evicting the
// least recently updated entries.
type History struct {
	cache *lru.Cache[string, Outcome]
}

// NewHistory returns a History holding up to size entries.
func NewHistory(size int) (*History, error) {
	if size <= 0 {
		size = DefaultHistorySize
	}
	cache, err := lru.New[string, Outcome](size)
	if err != nil {
		return nil, err
	}
	return &History{cache: cache}, nil
}

func historyKey(role roles.Role, id string) string {
	return string(role) + "\x00" + id
}

// Get returns the latest outcome for id under role.
func (h *History) Get(role roles.Role, id string) (Outcome, bool) {
	return h.cache.Get(historyKey(role, id))
}

// put stores o unless a later task for the same identifier is already
// recorded. It reports whether o was stored.
func (h *History) put(o Outcome) bool {
	key := historyKey(o.Role, o.ID)
	if prev, ok := h.cache.Peek(key); ok && prev.seq > o.seq {
		return false
	}
	h.cache.Add(key, o)
	return true
}

// Len returns the number of tracked identifiers.
func (h *History) Len() int {
	return h.cache.Len()
}
