package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Policy はパスプレフィックスごとのレート制限ポリシー。
type Policy struct {
	// Name はポリシー名。カウンタのキーとメトリクスのラベルに使う。
	Name string `yaml:"name"`
	// PathPrefix は適用対象のパスプレフィックス。"/"で全パスに適用する。
	PathPrefix string `yaml:"path_prefix"`
	// Limit はウィンドウ内に許可するリクエスト数。
	Limit int64 `yaml:"limit"`
	// Window はウィンドウの長さ。
	Window time.Duration `yaml:"window"`
}

// Matches はパスがポリシーの対象かどうかを返す。
func (p Policy) Matches(path string) bool {
	if p.PathPrefix == "" || p.PathPrefix == "/" {
		return true
	}
	return path == p.PathPrefix || strings.HasPrefix(path, strings.TrimSuffix(p.PathPrefix, "/")+"/")
}

// Decision はレート制限の判定結果。
type Decision struct {
	// Policy は判定に使ったポリシー。
	Policy Policy
	// Allowed はリクエストを許可するかどうか。
	Allowed bool
	// Count は現在のウィンドウでのリクエスト数。
	Count int64
	// Remaining は現在のウィンドウで残っているリクエスト数。
	Remaining int64
	// ResetAt は現在のウィンドウが終わる時刻。
	ResetAt time.Time
}

// RetryAfter は現在のウィンドウが終わるまでの秒数を返す。ウィンドウ長を超えない。
func (d Decision) RetryAfter(now time.Time) int64 {
	secs := int64(d.ResetAt.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	if window := int64(d.Policy.Window / time.Second); window >= 1 && secs > window {
		secs = window
	}
	return secs
}

// Limiter は固定ウィンドウのレート制限を行う。
type Limiter struct {
	// store はカウンタの保存先。
	store Store
	// prefix はカウンタのキー接頭辞。
	prefix string
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// NewLimiter はLimiterを生成する。
func NewLimiter(store Store, prefix string) *Limiter {
	if prefix == "" {
		prefix = "rl"
	}
	return &Limiter{store: store, prefix: prefix, now: time.Now}
}

// Allow はidentityのリクエストをポリシーに照らして判定する。
func (l *Limiter) Allow(ctx context.Context, policy Policy, identity string) (Decision, error) {
	if policy.Limit <= 0 || policy.Window <= 0 {
		return Decision{}, fmt.Errorf("レート制限ポリシー %q の設定が不正です", policy.Name)
	}

	now := l.now()
	windowStart := now.Truncate(policy.Window)
	key := fmt.Sprintf("%s:%s:%s:%d", l.prefix, policy.Name, identity, windowStart.UnixMilli())

	count, err := l.store.Increment(ctx, key, policy.Window)
	if err != nil {
		return Decision{}, err
	}

	remaining := policy.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Policy:    policy,
		Allowed:   count <= policy.Limit,
		Count:     count,
		Remaining: remaining,
		ResetAt:   windowStart.Add(policy.Window),
	}, nil
}
