package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Decision は1リクエストに対する判定結果です。
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // 拒否時、次のウィンドウが開くまでの時間
}

// Limiter は頻度制限の能力を表します。実装は Enforcing と Disabled の2種類で、
// どちらを使うかは構築時に決まります。呼び出し側の分岐は不要です。
type Limiter interface {
	Allow(ctx context.Context, addr string) (Decision, error)
	Reset(ctx context.Context) error
}

// Config は Limiter 構築時の設定です。
type Config struct {
	Quota      Quota
	Scope      string // ルートごとの論理スコープ（例: "compress"）
	KeyPrefix  string // 共有ストアでのデプロイ間衝突を避けるプレフィックス
	StorageURI string // "" または "none"=無効 / memory:// / redis://
}

// New は設定に応じた Limiter を構築します。StorageURI が空または "none" の場合は
// 常に許可する Disabled を返します。
func New(cfg Config) (Limiter, error) {
	uri := strings.TrimSpace(cfg.StorageURI)
	if uri == "" || strings.EqualFold(uri, "none") {
		return Disabled{}, nil
	}

	var counter Counter
	switch {
	case uri == "memory://" || strings.HasPrefix(uri, "memory://"):
		counter = NewMemoryCounter()
	case strings.HasPrefix(uri, "redis://") || strings.HasPrefix(uri, "rediss://"):
		opt, err := redis.ParseURL(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid rate limit storage uri: %w", err)
		}
		counter = NewRedisCounter(redis.NewClient(opt))
	default:
		return nil, fmt.Errorf("unsupported rate limit storage uri: %s", uri)
	}

	return NewEnforcing(cfg.Quota, cfg.KeyPrefix, cfg.Scope, counter), nil
}

// Enforcing は固定ウィンドウ方式でクォータを強制する Limiter です。
type Enforcing struct {
	quota   Quota
	prefix  string
	scope   string
	counter Counter
	now     func() time.Time
}

// NewEnforcing は Enforcing を作成します。
func NewEnforcing(quota Quota, prefix, scope string, counter Counter) *Enforcing {
	return &Enforcing{
		quota:   quota,
		prefix:  prefix,
		scope:   scope,
		counter: counter,
		now:     time.Now,
	}
}

// Allow は呼び出し元アドレスのカウンタを加算し、クォータ内かどうかを判定します。
// カウンタの加算は同一キーに対する同時呼び出しでも原子的です。
func (l *Enforcing) Allow(ctx context.Context, addr string) (Decision, error) {
	now := l.now()
	windowStart := now.Truncate(l.quota.Window)
	key := fmt.Sprintf("%s:%s:%s:%d", l.prefix, l.scope, addr, windowStart.Unix())

	count, err := l.counter.Incr(ctx, key, l.quota.Window)
	if err != nil {
		return Decision{}, err
	}
	if count > l.quota.Limit {
		return Decision{RetryAfter: windowStart.Add(l.quota.Window).Sub(now)}, nil
	}
	return Decision{Allowed: true}, nil
}

// Reset は設定済みプレフィックス配下のカウンタだけを削除します。
// テストや組み込み利用で、他のデプロイのカウンタに触れずに初期化できます。
func (l *Enforcing) Reset(ctx context.Context) error {
	return l.counter.DeletePrefix(ctx, l.prefix+":")
}

// Disabled は常に許可する Limiter です。テストや組み込みで使います。
type Disabled struct{}

// Allow は常に許可を返します。
func (Disabled) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// Reset は何もしません。
func (Disabled) Reset(context.Context) error {
	return nil
}
