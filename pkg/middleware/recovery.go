package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nao1215/bookclub/pkg/apperror"
)

// ContextKeyRequestID はGinコンテキストにリクエストIDを格納するキー。
const ContextKeyRequestID = "request_id"

// RequestID はGinコンテキストからリクエストIDを取得する。
func RequestID(c *gin.Context) string {
	return c.GetString(ContextKeyRequestID)
}

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// スタックトレースはログにのみ出力し、クライアントには汎用の500エラーを返す。
func Recovery(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				// 転送中の中断はnet/httpに任せて接続を閉じる
				if r == http.ErrAbortHandler {
					panic(r)
				}
				logger.Error().
					Str("request_id", RequestID(c)).
					Str("method", c.Request.Method).
					Str("path", c.Request.URL.Path).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack()).
					Msg("[PANIC] リクエスト処理中にパニックが発生しました")
				apperror.Write(c, apperror.Internal(fmt.Errorf("panic: %v", r)), RequestID(c))
				c.Abort()
			}
		}()
		c.Next()
	}
}
