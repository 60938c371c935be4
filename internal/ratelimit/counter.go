package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Counter はウィンドウ単位のキーを原子的に加算するバックエンドです。
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// sweepThreshold を超えたら期限切れエントリをまとめて掃除します。
const sweepThreshold = 4096

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounter はプロセス内のカウンタです。単一プロセスのデプロイ向けで、
// 期限切れのエントリはアクセス時に遅延回収されます。
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
	now     func() time.Time
}

// NewMemoryCounter は MemoryCounter を作成します。
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		entries: make(map[string]*counterEntry),
		now:     time.Now,
	}
}

// Incr はキーのカウンタを1増やし、増加後の値を返します。
func (c *MemoryCounter) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.entries[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &counterEntry{expiresAt: now.Add(ttl)}
		c.entries[key] = entry
	}
	entry.count++

	if len(c.entries) > sweepThreshold {
		c.sweepLocked(now)
	}
	return entry.count, nil
}

// DeletePrefix はプレフィックスに一致するカウンタを削除します。
func (c *MemoryCounter) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	return nil
}

func (c *MemoryCounter) sweepLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}
