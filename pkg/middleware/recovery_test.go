package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/bookclub/pkg/apperror"
)

// TestRecovery はRecoveryミドルウェアを検証する。
func TestRecovery(t *testing.T) {
	t.Parallel()

	t.Run("パニックが発生した場合に詳細を含まない500が返ること", func(t *testing.T) {
		t.Parallel()

		var logs bytes.Buffer
		router := gin.New()
		router.Use(func(c *gin.Context) {
			c.Set(ContextKeyRequestID, "req-panic")
			c.Next()
		})
		router.Use(Recovery(zerolog.New(&logs)))
		router.GET("/panic", func(_ *gin.Context) {
			panic("secret connection string")
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

		require.Equal(t, http.StatusInternalServerError, w.Code)
		var body apperror.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.False(t, body.Success)
		assert.Equal(t, "Internal server error", body.Message)
		assert.Equal(t, "req-panic", body.RequestID)
		assert.NotContains(t, w.Body.String(), "secret")

		assert.Contains(t, logs.String(), "secret connection string", "原因はログにのみ出力されること")
		assert.Contains(t, logs.String(), `"stack"`)
	})

	t.Run("パニックが発生しない場合は正常にレスポンスが返ること", func(t *testing.T) {
		t.Parallel()

		router := gin.New()
		router.Use(Recovery(zerolog.Nop()))
		router.GET("/ok", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestInternalKey(t *testing.T) {
	t.Parallel()

	newRouter := func(key string) *gin.Engine {
		router := gin.New()
		router.POST("/internal", InternalKey(key), func(c *gin.Context) {
			c.Status(http.StatusAccepted)
		})
		return router
	}

	t.Run("正しいキーで呼び出せること", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/internal", nil)
		req.Header.Set(HeaderInternalKey, "k1")
		w := httptest.NewRecorder()
		newRouter("k1").ServeHTTP(w, req)
		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("キーが異なる場合は401が返ること", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/internal", nil)
		req.Header.Set(HeaderInternalKey, "wrong")
		w := httptest.NewRecorder()
		newRouter("k1").ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("キーが未設定の場合は内部APIが無効になること", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/internal", nil)
		w := httptest.NewRecorder()
		newRouter("").ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
