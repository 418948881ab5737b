package gateway

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/bookclub/pkg/httpclient"
	"github.com/nao1215/bookclub/pkg/logging"
	"github.com/nao1215/bookclub/pkg/middleware"
)

// probeTimeout は背後のサービスのヘルスチェック全体の制限時間。
const probeTimeout = 2 * time.Second

// ServicesHealth は/health/servicesのレスポンス。サービス名は含めない。
type ServicesHealth struct {
	Status  string `json:"status"`
	Healthy int    `json:"healthy"`
	Total   int    `json:"total"`
}

// handleHealth はゲートウェイ自身のヘルスチェックを返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	}
}

// handleServicesHealth は背後のサービスの /health を並行に確認するハンドラを返す。
func (s *Server) handleServicesHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
		defer cancel()
		ctx = httpclient.WithRequestID(ctx, middleware.RequestID(c))

		var healthy atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		for name, client := range s.probes {
			name, client := name, client
			g.Go(func() error {
				if err := client.Probe(gctx, "/health"); err != nil {
					s.logger.Warn().
						Str(logging.FieldService, name).
						Str(logging.FieldRequestID, middleware.RequestID(c)).
						Err(err).
						Msg("サービスのヘルスチェックに失敗しました")
					return nil
				}
				healthy.Add(1)
				return nil
			})
		}
		_ = g.Wait()

		res := ServicesHealth{Healthy: int(healthy.Load()), Total: len(s.probes), Status: "ok"}
		status := http.StatusOK
		if res.Healthy < res.Total {
			res.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, res)
	}
}

// newProbes は解決できたサービスごとにヘルスチェック用のクライアントを生成する。
func newProbes(reg Registry, transport http.RoundTripper) map[string]*httpclient.Client {
	probes := make(map[string]*httpclient.Client, len(reg))
	for name, u := range reg {
		probes[name] = httpclient.New(u.String(),
			httpclient.WithTimeout(probeTimeout),
			httpclient.WithTransport(transport),
			httpclient.WithHeader(HeaderGatewaySource, gatewaySource),
		)
	}
	return probes
}
