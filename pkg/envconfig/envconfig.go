// Package envconfig は環境変数から設定値を読み取るヘルパーを提供する。
//
// 各サービスの設定は環境変数で与え、未設定の場合はデフォルト値を使う。
// 値が不正な場合はエラーを返し、起動時に気付けるようにする。
package envconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func GetOr(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

// Duration は環境変数をtime.Durationとして取得する。
// "30s" 形式のほか、単位なしの整数はミリ秒として解釈する。
func Duration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("環境変数 %s は正の値である必要があります: %s", key, v)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("環境変数 %s の値が不正です: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("環境変数 %s は正の値である必要があります: %s", key, v)
	}
	return d, nil
}

// Int は環境変数を整数として取得する。
func Int(key string, defaultValue int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("環境変数 %s の値が不正です: %w", key, err)
	}
	return n, nil
}

// Bool は環境変数を真偽値として取得する。
func Bool(key string, defaultValue bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("環境変数 %s の値が不正です: %w", key, err)
	}
	return b, nil
}

// List はカンマ区切りの環境変数をスライスとして取得する。空要素は除外する。
func List(key string, defaultValue []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
