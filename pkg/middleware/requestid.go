package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID はリクエストの相関IDを運ぶヘッダー。
const HeaderRequestID = "X-Request-ID"

// maxRequestIDLen はクライアントが指定できるリクエストIDの最大長。
const maxRequestIDLen = 128

// ValidRequestID はリクエストIDが1〜128文字の表示可能なASCIIだけからなるかを返す。
func ValidRequestID(id string) bool {
	if len(id) == 0 || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// ResolveRequestID はクライアントが指定したリクエストIDが正しい形式ならそれを、
// そうでなければ新しいUUIDを返す。
func ResolveRequestID(header string) string {
	if ValidRequestID(header) {
		return header
	}
	return uuid.NewString()
}

// AssignRequestID はリクエストIDを決めてGinコンテキストとレスポンスヘッダーに設定する
// Ginミドルウェアを返す。
func AssignRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := ResolveRequestID(c.GetHeader(HeaderRequestID))
		c.Set(ContextKeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}
