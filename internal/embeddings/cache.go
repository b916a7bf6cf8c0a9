package embeddings

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fingerprint derives the cache key for a query text under one provider.
// Provider is part of the key because the partitions disagree on dimensions.
func Fingerprint(provider, text string) string {
	h := md5.Sum([]byte(provider + "|" + text))
	return "emb:" + hex.EncodeToString(h[:])
}

// LocalLRU is an in-process vector cache with TTL. Entries idle past their
// expiry are dropped on access and by the periodic sweep.
type LocalLRU struct {
	mu   sync.Mutex
	cap  int
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
}

type lruEntry struct {
	key string
	vec []float32
	exp time.Time
}

func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalLRU{cap: capacity, list: list.New(), m: make(map[string]*list.Element, capacity)}
}

func (l *LocalLRU) Get(key string) ([]float32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.m[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(lruEntry)
	if !ent.exp.After(time.Now()) {
		l.list.Remove(el)
		delete(l.m, key)
		return nil, false
	}
	l.list.MoveToFront(el)
	return ent.vec, true
}

func (l *LocalLRU) Set(key string, v []float32, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		el.Value = lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)}
		l.list.MoveToFront(el)
		return
	}
	el := l.list.PushFront(lruEntry{key: key, vec: v, exp: time.Now().Add(ttl)})
	l.m[key] = el
	if l.list.Len() > l.cap {
		if oldest := l.list.Back(); oldest != nil {
			ent := oldest.Value.(lruEntry)
			delete(l.m, ent.key)
			l.list.Remove(oldest)
		}
	}
}

// Sweep removes expired entries and returns how many were dropped.
func (l *LocalLRU) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	dropped := 0
	for el := l.list.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(lruEntry)
		if !ent.exp.After(now) {
			delete(l.m, ent.key)
			l.list.Remove(el)
			dropped++
		}
		el = prev
	}
	return dropped
}

// Len reports the live entry count.
func (l *LocalLRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// RedisCache is the shared second-level vector cache. Failures are treated as
// misses; a flaky Redis must never fail a chat request.
type RedisCache struct {
	cli *redis.Client
	ttl time.Duration
}

func NewRedisCache(cli *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{cli: cli, ttl: ttl}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.cli.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return decodeVector(b)
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32) {
	_ = r.cli.Set(ctx, key, encodeVector(v), r.ttl).Err()
}

// Vectors are stored as packed little-endian float32, four bytes per
// component.
func encodeVector(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) ([]float32, bool) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, true
}
