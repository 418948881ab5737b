package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/bookclub/pkg/apperror"
)

// HeaderInternalKey は内部APIの呼び出し元を認証するための共有キーのヘッダー。
const HeaderInternalKey = "X-Internal-Key"

// InternalKey は内部API（バックエンドサービスからの呼び出し）を共有キーで保護する
// Ginミドルウェアを返す。keyが空の場合は内部APIを無効化する。
func InternalKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			apperror.Write(c, apperror.Safe(http.StatusNotFound, "Not found"), RequestID(c))
			return
		}
		got := c.GetHeader(HeaderInternalKey)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			apperror.Write(c, apperror.Safe(http.StatusUnauthorized, "Invalid internal key"), RequestID(c))
			return
		}
		c.Next()
	}
}
