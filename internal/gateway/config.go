package gateway

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nao1215/bookclub/pkg/envconfig"
	"github.com/nao1215/bookclub/pkg/ratelimit"
)

// Config はGatewayサービスの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret はトークン検証用の秘密鍵。
	JWTSecret string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// RedisURL はレート制限カウンタの保存先。空の場合はプロセス内に保持する。
	RedisURL string
	// RateLimits はパスプレフィックスごとのレート制限。
	RateLimits []ratelimit.Policy
	// Timeouts はリクエスト全体の時間制限。
	Timeouts TimeoutConfig
	// MaxBodyBytes はJSONボディとしてバッファする最大サイズ。
	MaxBodyBytes int64
	// TrustedProxies はX-Forwarded-Forを信頼するプロキシのアドレス。
	TrustedProxies []string
	// Routes はルートテーブルの設定。
	Routes *RouteFile
	// Lookup はサービスURLの環境変数を引く関数。
	Lookup func(string) string
}

// TimeoutConfig はパスの種類ごとのタイムアウト。
type TimeoutConfig struct {
	// Default は通常のリクエストのタイムアウト。
	Default time.Duration
	// Transfer はアップロード・ダウンロードのタイムアウト。
	Transfer time.Duration
	// Report はレポート・エクスポートのタイムアウト。
	Report time.Duration
	// TransferPattern はTransferを適用するパス。
	TransferPattern *regexp.Regexp
	// ReportPattern はReportを適用するパス。
	ReportPattern *regexp.Regexp
}

// For はパスに適用するタイムアウトを返す。
func (t TimeoutConfig) For(path string) time.Duration {
	switch {
	case t.TransferPattern != nil && t.TransferPattern.MatchString(path):
		return t.Transfer
	case t.ReportPattern != nil && t.ReportPattern.MatchString(path):
		return t.Report
	default:
		return t.Default
	}
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:           envconfig.GetOr("PORT", "8080"),
		JWTSecret:      envconfig.GetOr("JWT_SECRET", "dev-secret-key"),
		AllowedOrigins: envconfig.List("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		RedisURL:       envconfig.GetOr("REDIS_URL", ""),
		TrustedProxies: envconfig.List("TRUSTED_PROXIES", nil),
		Lookup:         os.Getenv,
	}

	var err error
	var general, auth ratelimit.Policy
	general.Name, general.PathPrefix = "general", "/"
	if general.Window, err = envconfig.Duration("RATE_LIMIT_WINDOW", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if general.Limit, err = positiveInt("RATE_LIMIT_MAX", 100); err != nil {
		return Config{}, err
	}
	auth.Name, auth.PathPrefix = "auth", "/v1/auth"
	if auth.Window, err = envconfig.Duration("AUTH_RATE_LIMIT_WINDOW", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if auth.Limit, err = positiveInt("AUTH_RATE_LIMIT_MAX", 20); err != nil {
		return Config{}, err
	}
	cfg.RateLimits = []ratelimit.Policy{general, auth}

	if cfg.Timeouts.Default, err = envconfig.Duration("GATEWAY_TIMEOUT_DEFAULT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Timeouts.Transfer, err = envconfig.Duration("GATEWAY_TIMEOUT_TRANSFER", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.Timeouts.Report, err = envconfig.Duration("GATEWAY_TIMEOUT_REPORT", 2*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.MaxBodyBytes, err = positiveInt("GATEWAY_MAX_BODY_BYTES", 10<<20); err != nil {
		return Config{}, err
	}

	if cfg.Routes, err = LoadRouteFile(envconfig.GetOr("GATEWAY_ROUTES_FILE", "")); err != nil {
		return Config{}, err
	}
	if err := cfg.Timeouts.compile(cfg.Routes.Timeouts); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// compile はルートテーブルのパターンを正規表現にする。
func (t *TimeoutConfig) compile(p TimeoutPatterns) error {
	var err error
	if p.Transfer != "" {
		if t.TransferPattern, err = regexp.Compile(p.Transfer); err != nil {
			return fmt.Errorf("転送タイムアウトのパターンが不正です: %w", err)
		}
	}
	if p.Report != "" {
		if t.ReportPattern, err = regexp.Compile(p.Report); err != nil {
			return fmt.Errorf("レポートタイムアウトのパターンが不正です: %w", err)
		}
	}
	return nil
}

// positiveInt は正の整数の環境変数を読む。
func positiveInt(key string, def int64) (int64, error) {
	n, err := envconfig.Int(key, int(def))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("環境変数 %s は正の値である必要があります: %d", key, n)
	}
	return int64(n), nil
}
