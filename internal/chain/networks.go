package chain

import (
	"sync"

	"github.com/human-protocol/job-launcher/internal/domain/errs"
)

// Selector hands out configured chain IDs round-robin so launched jobs
// spread across networks when the caller does not pick one.
type Selector struct {
	mu     sync.Mutex
	ids    []int
	cursor int
}

// NewSelector builds a selector over the given chain IDs. Order is
// preserved; the first Next call returns the first ID.
func NewSelector(ids []int) *Selector {
	return &Selector{ids: append([]int(nil), ids...)}
}

// Next returns the next chain ID in rotation.
func (s *Selector) Next() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ids) == 0 {
		return 0, errs.ErrInvalidChainID
	}
	id := s.ids[s.cursor]
	s.cursor = (s.cursor + 1) % len(s.ids)
	return id, nil
}

// Valid reports whether the chain ID is one of the configured networks.
func (s *Selector) Valid(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.ids {
		if v == id {
			return true
		}
	}
	return false
}
