// Package memory 是证据仓储的分片内存实现。
// 按 id 做 FNV-1a 分片，每个分片独立读写锁；读写都做深拷贝，调用方拿到的对象与内部状态互不影响。
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"evidence-custody/internal/adapters/store"
	"evidence-custody/internal/domain/model"
)

const shardCount = 32

var _ store.Repository = (*Store)(nil)

type shard struct {
	mu    sync.RWMutex
	items map[string]*model.Evidence
}

type Store struct {
	shards [shardCount]*shard
}

func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]*model.Evidence)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

func (s *Store) Create(ctx context.Context, ev *model.Evidence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shardFor(ev.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.items[ev.ID]; ok {
		return fmt.Errorf("insert evidence %s: %w", ev.ID, model.ErrConflict)
	}
	sh.items[ev.ID] = ev.Clone()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.Evidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	ev, ok := sh.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	return ev.Clone(), nil
}

func (s *Store) List(ctx context.Context, filter model.EvidenceFilter) ([]model.EvidenceSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []model.EvidenceSummary{}
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, ev := range sh.items {
			if filter.CaseID != "" && ev.CaseID != filter.CaseID {
				continue
			}
			if filter.Status != "" && ev.Status != filter.Status {
				continue
			}
			out = append(out, ev.Summary())
		}
		sh.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.After(out[j].IngestedAt)
		}
		return out[i].ID > out[j].ID
	})

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return []model.EvidenceSummary{}, nil
	}
	out = out[offset:]
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// mutate 在分片写锁内对证据执行 fn。
func (s *Store) mutate(ctx context.Context, id string, fn func(ev *model.Evidence) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ev, ok := sh.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	return fn(ev)
}

func checkNextSeq(ev *model.Evidence, seq int) error {
	if seq != len(ev.ChainOfCustody) {
		return fmt.Errorf("%w: custody sequence %d for %s, chain length is %d", model.ErrConflict, seq, ev.ID, len(ev.ChainOfCustody))
	}
	return nil
}

func (s *Store) AppendCustody(ctx context.Context, evidenceID string, entry model.ChainOfCustodyEntry) error {
	return s.mutate(ctx, evidenceID, func(ev *model.Evidence) error {
		if err := checkNextSeq(ev, entry.Sequence); err != nil {
			return err
		}
		ev.ChainOfCustody = append(ev.ChainOfCustody, entry)
		return nil
	})
}

func (s *Store) RecordProcessing(ctx context.Context, evidenceID string, p model.ProcessedEvidence, entry model.ChainOfCustodyEntry, status model.Status) error {
	return s.mutate(ctx, evidenceID, func(ev *model.Evidence) error {
		if err := checkNextSeq(ev, entry.Sequence); err != nil {
			return err
		}
		ev.ProcessedVersions = append(ev.ProcessedVersions, p)
		ev.ChainOfCustody = append(ev.ChainOfCustody, entry)
		ev.Status = status
		return nil
	})
}

func (s *Store) Transition(ctx context.Context, evidenceID string, entry model.ChainOfCustodyEntry, from, to model.Status) error {
	return s.mutate(ctx, evidenceID, func(ev *model.Evidence) error {
		if ev.Status != from {
			return fmt.Errorf("%w: status of %s is %s, expected %s", model.ErrConflict, evidenceID, ev.Status, from)
		}
		if err := checkNextSeq(ev, entry.Sequence); err != nil {
			return err
		}
		ev.ChainOfCustody = append(ev.ChainOfCustody, entry)
		ev.Status = to
		return nil
	})
}

func (s *Store) SetIntegrity(ctx context.Context, evidenceID string, valid bool, at time.Time) error {
	return s.mutate(ctx, evidenceID, func(ev *model.Evidence) error {
		v := valid
		ts := at
		ev.IntegrityValid = &v
		ev.IntegrityCheckedAt = &ts
		return nil
	})
}
