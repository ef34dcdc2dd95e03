package memstore

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"eventpipe/internal/store"
)

// Store is an in-memory implementation of the store.Store port. It backs
// tests and the degraded mode used when Redis is unreachable at startup.
type Store struct {
	mu      sync.Mutex
	strings map[string]stringEntry
	zsets   map[string]map[string]float64
	lists   map[string][]string
	sets    map[string]map[string]struct{}
}

type stringEntry struct {
	value    string
	expireAt time.Time
}

func New() *Store {
	return &Store{
		strings: make(map[string]stringEntry),
		zsets:   make(map[string]map[string]float64),
		lists:   make(map[string][]string),
		sets:    make(map[string]map[string]struct{}),
	}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.strings[key]
	if !ok || e.expired() {
		delete(s.strings, key)
		return "", store.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = stringEntry{value: value}
	return nil
}

func (s *Store) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := stringEntry{value: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	s.strings[key] = e
	return nil
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := s.strings[key]; ok {
			delete(s.strings, key)
			n++
		}
		if _, ok := s.zsets[key]; ok {
			delete(s.zsets, key)
			n++
		}
		if _, ok := s.lists[key]; ok {
			delete(s.lists, key)
			n++
		}
		if _, ok := s.sets[key]; ok {
			delete(s.sets, key)
			n++
		}
	}
	return n, nil
}

func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	for k, e := range s.strings {
		if !e.expired() {
			seen[k] = struct{}{}
		}
	}
	for k := range s.zsets {
		seen[k] = struct{}{}
	}
	for k := range s.lists {
		seen[k] = struct{}{}
	}
	for k := range s.sets {
		seen[k] = struct{}{}
	}
	var out []string
	for k := range seen {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.strings[key]; ok {
		e.expireAt = time.Now().Add(ttl)
		s.strings[key] = e
	}
	return nil
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zsets[key]
	if !ok {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for m, sc := range s.zsets[key] {
		if sc >= min && sc <= max {
			pairs = append(pairs, pair{m, sc})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score < pairs[j].score
		}
		return pairs[i].member < pairs[j].member
	})
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	return out, nil
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for m, sc := range s.zsets[key] {
		if sc >= min && sc <= max {
			delete(s.zsets[key], m)
			n++
		}
	}
	return n, nil
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.zsets[key])), nil
}

func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// LPUSH prepends values one at a time, so the last value ends up at
	// the head, newest first.
	for _, v := range values {
		s.lists[key] = append([]string{v}, s.lists[key]...)
	}
	return nil
}

func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	lo, hi, ok := sliceBounds(int64(len(l)), start, stop)
	if !ok {
		delete(s.lists, key)
		return nil
	}
	s.lists[key] = append([]string(nil), l[lo:hi+1]...)
	return nil
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	lo, hi, ok := sliceBounds(int64(len(l)), start, stop)
	if !ok {
		return nil, nil
	}
	return append([]string(nil), l[lo:hi+1]...), nil
}

func (s *Store) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.lists[key]
	var out []string
	var removed int64
	for _, v := range l {
		if v == value && (count == 0 || removed < count) {
			removed++
			continue
		}
		out = append(out, v)
	}
	s.lists[key] = out
	return removed, nil
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[key])), nil
}

func (e stringEntry) expired() bool {
	return !e.expireAt.IsZero() && time.Now().After(e.expireAt)
}

// sliceBounds resolves redis-style start/stop (negative offsets count
// from the tail, stop is inclusive) into slice indexes.
func sliceBounds(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}
