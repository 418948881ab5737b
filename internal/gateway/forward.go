package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/nao1215/bookclub/pkg/apperror"
	"github.com/nao1215/bookclub/pkg/logging"
	"github.com/nao1215/bookclub/pkg/middleware"
)

// newTransport は背後のサービスへの接続に使うTransportを生成する。
// 応答待ちの上限はリクエストごとのタイムアウトで決まるので、ここでは接続確立だけを制限する。
func newTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// newReverseProxy はルートに従って転送するリバースプロキシを生成する。
// 自動リトライは行わない。
func (s *Server) newReverseProxy(transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite:        s.rewrite,
		Transport:      transport,
		FlushInterval:  -1,
		ModifyResponse: s.relay,
		ErrorHandler:   s.upstreamError,
	}
}

// rewrite は転送先URLとゲートウェイが付与するヘッダーを設定する。
func (s *Server) rewrite(pr *httputil.ProxyRequest) {
	ex := exchangeFromContext(pr.In.Context())
	target := ex.Rule.Target

	pr.Out.URL.Scheme = target.Scheme
	pr.Out.URL.Host = target.Host
	pr.Out.URL.Path = joinPath(target.Path, ex.Rule.RewritePath(pr.In.URL.Path))
	pr.Out.URL.RawPath = ""
	pr.Out.URL.RawQuery = pr.In.URL.RawQuery
	pr.Out.Host = ""

	h := pr.Out.Header
	clientIP := ex.c.ClientIP()
	h.Set("X-Forwarded-For", clientIP)
	h.Set("X-Real-IP", clientIP)
	h.Set("X-Forwarded-Host", pr.In.Host)
	h.Set("X-Forwarded-Proto", forwardedProto(pr.In))
	h.Set(HeaderGatewaySource, gatewaySource)
	h.Set(HeaderRequestID, ex.RequestID)
	if ex.Identity != nil {
		setIdentityHeaders(h, *ex.Identity)
	}
}

// setIdentityHeaders は検証済みのユーザー情報をヘッダーに設定する。
func setIdentityHeaders(h http.Header, id middleware.Identity) {
	h.Set(HeaderUserID, id.UserID)
	if id.Email != "" {
		h.Set(HeaderUserEmail, id.Email)
	}
	if id.DisplayName != "" {
		h.Set(HeaderUserName, id.DisplayName)
	}
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// joinPath はベースパスと転送パスを "/" 1つで連結する。
func joinPath(base, path string) string {
	if base == "" {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// relay は下流サービスのCORSヘッダーを取り除く。ステータスとボディはそのまま返す。
// プロトコル切り替えの101を受け取った場合はタイムアウトを解除する。
func (s *Server) relay(resp *http.Response) error {
	middleware.StripCORSHeaders(resp.Header)

	if resp.StatusCode == http.StatusSwitchingProtocols {
		ex := exchangeFromContext(resp.Request.Context())
		if ex != nil && !ex.detachTimeout() {
			return errUpgradeTimedOut
		}
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if ex := exchangeFromContext(resp.Request.Context()); ex != nil {
			ex.logger.Warn().
				Str(logging.FieldService, ex.Rule.Service).
				Int(logging.FieldStatus, resp.StatusCode).
				Str(logging.FieldTarget, resp.Request.URL.Path).
				Msg("下流サービスがエラーを返しました")
		}
	}
	return nil
}

// upstreamError は転送の失敗をクライアント向けのエラーに変換する。
// タイムアウトで408を返した後やクライアントが切断した後は何も書き込まない。
func (s *Server) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	ex := exchangeFromContext(r.Context())
	if ex == nil {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	if ex.TimedOut() {
		return
	}
	if errors.Is(err, context.Canceled) {
		ex.logger.Debug().Err(err).Msg("クライアントが切断したため転送を中断しました")
		return
	}

	appErr := apperror.Upstream(err)
	s.metrics.upstreamErrors.WithLabelValues(ex.Rule.Service, string(appErr.Cause)).Inc()
	ex.logger.Error().
		Err(err).
		Str(logging.FieldService, ex.Rule.Service).
		Str(logging.FieldCause, string(appErr.Cause)).
		Str(logging.FieldTarget, targetString(ex.Rule.Target)).
		Msg("下流サービスへの転送に失敗しました")
	ex.respond(appErr)
}

func targetString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Host
}

// forwardStage はリクエストを背後のサービスに転送する。
func (s *Server) forwardStage(ex *Exchange) Outcome {
	s.proxy.ServeHTTP(ex.c.Writer, ex.c.Request)
	return Handled()
}
