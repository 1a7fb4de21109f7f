package binding

import (
	"context"
	"sync"

	"github.com/kiwari-pos/orderfeed/internal/client"
)

// Factory builds the client a Shared owns.
type Factory func() (*client.Client, error)

// Shared owns one client on behalf of every binding in the process. The
// client is built on the first Acquire and closed when the last holder
// releases it.
type Shared struct {
	factory Factory

	mu     sync.Mutex
	client *client.Client
	refs   int
}

func NewShared(f Factory) *Shared {
	return &Shared{factory: f}
}

// Acquire returns the shared client, building it if needed. Every
// successful Acquire must be paired with a Release.
func (s *Shared) Acquire() (*client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		c, err := s.factory()
		if err != nil {
			return nil, err
		}
		s.client = c
	}
	s.refs++
	return s.client, nil
}

// Release drops one reference. The last release closes the client.
func (s *Shared) Release(ctx context.Context) error {
	s.mu.Lock()
	if s.refs == 0 {
		s.mu.Unlock()
		return nil
	}
	s.refs--
	if s.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	c := s.client
	s.client = nil
	s.mu.Unlock()

	return c.Close(ctx)
}

// current returns the client without taking a reference.
func (s *Shared) current() (*client.Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client, s.client != nil
}

func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}
