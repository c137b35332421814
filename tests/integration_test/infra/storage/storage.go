// Package storage provides an in-memory object store for integration tests
// that exercise the queue core without a blob store container.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/opengisch/fieldq/internal/storage"
)

type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: map[string][]byte{}}
}

func (s *Memory) Put(ctx context.Context, path string, data []byte, metadata map[string]string) (*storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
	return &storage.ObjectInfo{Path: path, VersionID: uuid.NewString(), Size: int64(len(data))}, nil
}

func (s *Memory) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return data, nil
}

func (s *Memory) GetVersion(ctx context.Context, path, versionID string) ([]byte, error) {
	return s.Get(ctx, path)
}

func (s *Memory) Head(ctx context.Context, path string) (*storage.ObjectInfo, error) {
	data, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return &storage.ObjectInfo{Path: path, Size: int64(len(data))}, nil
}

func (s *Memory) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []storage.ObjectInfo
	for path, data := range s.objects {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, storage.ObjectInfo{Path: path, Size: int64(len(data))})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (s *Memory) Delete(ctx context.Context, path, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

func (s *Memory) Close() {}
