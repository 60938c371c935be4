// Package ratelimit は呼び出し元アドレス単位のリクエスト頻度制限を提供します。
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Quota は一定時間あたりの許容リクエスト数です。
type Quota struct {
	Limit  int64
	Window time.Duration
}

// windowUnits はクォータ文字列で使える時間単位です。
var windowUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// ParseQuota は「10 per minute」や「10/minute」形式のクォータ文字列を解析します。
// 単位は second / minute / hour / day で、複数形も受け付けます。
func ParseQuota(raw string) (Quota, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "/", " per ")

	fields := strings.Fields(normalized)
	if len(fields) != 3 || fields[1] != "per" {
		return Quota{}, fmt.Errorf("invalid quota %q: expected \"<count> per <unit>\"", raw)
	}

	limit, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || limit <= 0 {
		return Quota{}, fmt.Errorf("invalid quota %q: count must be a positive integer", raw)
	}

	unit := strings.TrimSuffix(fields[2], "s")
	window, ok := windowUnits[unit]
	if !ok {
		return Quota{}, fmt.Errorf("invalid quota %q: unknown unit %q", raw, fields[2])
	}

	return Quota{Limit: limit, Window: window}, nil
}
