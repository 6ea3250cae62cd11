// Package inmem keeps cache partitions in process memory.
package inmem

import (
	"context"
	"sort"
	"sync"

	"github.com/trezcool/masomo-offline/core/cache"
	"github.com/trezcool/masomo-offline/core/web"
)

type Store struct {
	mu         sync.RWMutex
	partitions map[string]map[string]*web.Response
}

var _ cache.Storage = (*Store)(nil)

func NewStore() *Store {
	return &Store{partitions: make(map[string]map[string]*web.Response)}
}

func (s *Store) Partitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) DeletePartition(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.partitions[name]
	delete(s.partitions, name)
	return ok, nil
}

func (s *Store) Get(ctx context.Context, partition, key string) (*web.Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp, ok := s.partitions[partition][key]
	if !ok {
		return nil, false, nil
	}
	return resp.Clone(), true, nil
}

func (s *Store) Put(ctx context.Context, partition, key string, resp *web.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := resp.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[partition]
	if !ok {
		p = make(map[string]*web.Response)
		s.partitions[partition] = p
	}
	p[key] = entry
	return nil
}

// Len returns the number of entries of a partition.
func (s *Store) Len(partition string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.partitions[partition])
}
