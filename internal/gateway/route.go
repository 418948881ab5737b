package gateway

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/nao1215/bookclub/pkg/logging"
)

//go:embed default_routes.yaml
var defaultRoutes []byte

// AuthMode はルートごとの認証要件。
type AuthMode int

const (
	// AuthRequired は有効なトークンが必須であることを表す。
	AuthRequired AuthMode = iota
	// AuthOptional はトークンがあれば検証し、失敗しても匿名として続行することを表す。
	AuthOptional
	// AuthNone はトークンを一切見ないことを表す。
	AuthNone
)

// String は設定ファイルでの表記を返す。
func (m AuthMode) String() string {
	switch m {
	case AuthRequired:
		return "required"
	case AuthOptional:
		return "optional"
	case AuthNone:
		return "none"
	default:
		return fmt.Sprintf("AuthMode(%d)", int(m))
	}
}

// UnmarshalYAML は "required" / "optional" / "none" をAuthModeに変換する。
func (m *AuthMode) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "required", "":
		*m = AuthRequired
	case "optional":
		*m = AuthOptional
	case "none":
		*m = AuthNone
	default:
		return fmt.Errorf("不明な認証モードです: %q", s)
	}
	return nil
}

// RouteFile はルートテーブルの設定ファイル。
type RouteFile struct {
	// Services はサービス名とベースURLを読む環境変数の対応。
	Services []ServiceEntry `yaml:"services"`
	// Routes はルート定義。
	Routes []RouteEntry `yaml:"routes"`
	// Timeouts はタイムアウトの種類を決めるパスのパターン。
	Timeouts TimeoutPatterns `yaml:"timeouts"`
}

// ServiceEntry はサービス名と環境変数の対応。
type ServiceEntry struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env"`
}

// RouteEntry は設定ファイル上の1ルート。
type RouteEntry struct {
	Prefix  string        `yaml:"prefix"`
	Service string        `yaml:"service"`
	Auth    AuthMode      `yaml:"auth"`
	Rewrite *RewriteEntry `yaml:"rewrite"`
}

// RewriteEntry はパス書き換えの正規表現と置換文字列。
type RewriteEntry struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// TimeoutPatterns は長いタイムアウトを適用するパスの正規表現。
type TimeoutPatterns struct {
	Transfer string `yaml:"transfer_pattern"`
	Report   string `yaml:"report_pattern"`
}

// LoadRouteFile はルートテーブルを読み込む。pathが空の場合は埋め込みのデフォルトを使う。
func LoadRouteFile(path string) (*RouteFile, error) {
	data := defaultRoutes
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ルートテーブルの読み込みに失敗: %w", err)
		}
		data = b
	}
	return ParseRouteFile(data)
}

// ParseRouteFile はYAMLのルートテーブルを解析する。
func ParseRouteFile(data []byte) (*RouteFile, error) {
	var f RouteFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("ルートテーブルの解析に失敗: %w", err)
	}
	if len(f.Routes) == 0 {
		return nil, errors.New("ルートが1つも定義されていません")
	}
	return &f, nil
}

// Registry はサービス名からベースURLへの対応。構築後は変更しない。
type Registry map[string]*url.URL

// ResolveServices は環境変数からサービスのベースURLを解決する。
// 未設定または絶対URLとして解釈できないサービスは登録せず、警告を出す。
func ResolveServices(entries []ServiceEntry, lookup func(string) string, logger zerolog.Logger) Registry {
	reg := make(Registry, len(entries))
	for _, e := range entries {
		raw := strings.TrimSpace(lookup(e.Env))
		u, err := parseServiceURL(raw)
		if err != nil {
			logger.Warn().
				Str(logging.FieldService, e.Name).
				Str("env", e.Env).
				Err(err).
				Msg("サービスのURLを解決できないため、このサービス宛てのルートを無効にします")
			continue
		}
		reg[e.Name] = u
	}
	return reg
}

// parseServiceURL はサービスのベースURLを検証する。
func parseServiceURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("URLが設定されていません")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("http(s)の絶対URLではありません: %q", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u, nil
}

// Rule はプレフィックスに一致したリクエストの転送先と認証要件。
type Rule struct {
	// Prefix は一致させるパスのプレフィックス。
	Prefix string
	// Service は転送先のサービス名。
	Service string
	// Auth は認証要件。
	Auth AuthMode
	// Target は転送先のベースURL。サービスが解決できない場合はnil。
	Target *url.URL

	rewrite     *regexp.Regexp
	replacement string
}

// Enabled は転送先が解決できているかどうかを返す。
func (r *Rule) Enabled() bool {
	return r.Target != nil
}

// Matches はパスがこのルートに一致するかどうかを返す。
// パスがプレフィックスと等しいか、プレフィックスの後に "/" が続く場合に一致する。
func (r *Rule) Matches(path string) bool {
	if r.Prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/")
}

// RewritePath は転送先でのパスを返す。書き換えが無い場合はそのまま返す。
func (r *Rule) RewritePath(path string) string {
	if r.rewrite == nil {
		return path
	}
	loc := r.rewrite.FindStringSubmatchIndex(path)
	if loc == nil {
		return path
	}
	var dst []byte
	dst = r.rewrite.ExpandString(dst, r.replacement, path, loc)
	out := path[:loc[0]] + string(dst) + path[loc[1]:]
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}

// RouteTable はプレフィックスの長い順に並べたルートの一覧。構築後は変更しない。
type RouteTable struct {
	rules    []*Rule
}

// NewRouteTable は設定ファイルとサービスレジストリからルートテーブルを構築する。
// プレフィックスの重複や不正な正規表現は設定エラーとして返す。
func NewRouteTable(file *RouteFile, registry Registry, logger zerolog.Logger) (*RouteTable, error) {
	known := make(map[string]bool, len(file.Services))
	for _, s := range file.Services {
		known[s.Name] = true
	}

	seen := make(map[string]bool, len(file.Routes))
	rules := make([]*Rule, 0, len(file.Routes))
	for _, e := range file.Routes {
		prefix := normalizePrefix(e.Prefix)
		if prefix == "" {
			return nil, fmt.Errorf("ルートのプレフィックスが不正です: %q", e.Prefix)
		}
		if seen[prefix] {
			return nil, fmt.Errorf("ルートのプレフィックスが重複しています: %q", prefix)
		}
		seen[prefix] = true
		if !known[e.Service] {
			return nil, fmt.Errorf("ルート %q のサービス %q が定義されていません", prefix, e.Service)
		}

		rule := &Rule{Prefix: prefix, Service: e.Service, Auth: e.Auth, Target: registry[e.Service]}
		if e.Rewrite != nil && e.Rewrite.Pattern != "" {
			re, err := regexp.Compile(e.Rewrite.Pattern)
			if err != nil {
				return nil, fmt.Errorf("ルート %q の書き換えパターンが不正です: %w", prefix, err)
			}
			rule.rewrite = re
			rule.replacement = e.Rewrite.Replacement
		}
		if !rule.Enabled() {
			logger.Warn().
				Str(logging.FieldRoute, prefix).
				Str(logging.FieldService, e.Service).
				Msg("転送先サービスが解決できないためルートを無効にしました")
		}
		rules = append(rules, rule)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].Prefix) > len(rules[j].Prefix)
	})
	return &RouteTable{rules: rules}, nil
}

// normalizePrefix はプレフィックスの末尾の "/" を取り除く。"/" 自体はそのまま。
func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if !strings.HasPrefix(prefix, "/") {
		return ""
	}
	if prefix == "/" {
		return prefix
	}
	return strings.TrimRight(prefix, "/")
}

// Resolve はパスに最長一致するルートを返す。無効なルートも返すので、呼び出し側で
// Enabledを確認する。
func (t *RouteTable) Resolve(path string) (*Rule, bool) {
	for _, r := range t.rules {
		if r.Matches(path) {
			return r, true
		}
	}
	return nil, false
}

// Rules はプレフィックスの長い順のルート一覧を返す。
func (t *RouteTable) Rules() []*Rule {
	return append([]*Rule(nil), t.rules...)
}
