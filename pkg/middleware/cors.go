package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsHeaderPrefix はCORS関連ヘッダーの共通接頭辞。
const corsHeaderPrefix = "Access-Control-"

// CORSPolicy は許可されたオリジンに基づいてCORSヘッダーを決定する。
// 下流サービスが独自にCORSポリシーを設定することは許さず、
// このポリシーだけがクライアントへのCORSヘッダーを決める。
type CORSPolicy struct {
	// allowed は許可されたオリジンの集合。
	allowed map[string]struct{}
}

// NewCORSPolicy は許可オリジンのリストからCORSPolicyを生成する。
func NewCORSPolicy(allowedOrigins []string) *CORSPolicy {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	return &CORSPolicy{allowed: allowed}
}

// Allows はオリジンが許可リストに含まれるかどうかを返す。
func (p *CORSPolicy) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	_, ok := p.allowed[origin]
	return ok
}

// Apply はオリジンが許可されていればCORSヘッダーをhに設定し、trueを返す。
func (p *CORSPolicy) Apply(h http.Header, origin string) bool {
	h.Add("Vary", "Origin")
	if !p.Allows(origin) {
		return false
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
	h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")
	h.Set("Access-Control-Max-Age", "86400")
	return true
}

// StripCORSHeaders はhからAccess-Control-*ヘッダーをすべて削除する。
// 下流サービスのレスポンスをクライアントに中継する前に使う。
func StripCORSHeaders(h http.Header) {
	for key := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(key), corsHeaderPrefix) {
			delete(h, key)
		}
	}
}

// IsPreflight はリクエストがCORSプリフライトかどうかを返す。
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

// CORS はポリシーに従ってCORSヘッダーを設定するGinミドルウェアを返す。
// プリフライトリクエストには204を返して処理を中断する。
func CORS(policy *CORSPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		policy.Apply(c.Writer.Header(), c.GetHeader("Origin"))

		if IsPreflight(c.Request) {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
