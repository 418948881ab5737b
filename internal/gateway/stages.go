package gateway

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/nao1215/bookclub/pkg/apperror"
	"github.com/nao1215/bookclub/pkg/logging"
	"github.com/nao1215/bookclub/pkg/middleware"
	"github.com/nao1215/bookclub/pkg/ratelimit"
)

// ゲートウェイが付与するヘッダー。
const (
	HeaderRequestID     = middleware.HeaderRequestID
	HeaderGatewaySource = "X-Gateway-Source"
	HeaderUserID        = "X-User-Id"
	HeaderUserEmail     = "X-User-Email"
	HeaderUserName      = "X-User-Name"

	gatewaySource = "api-gateway"
)

// trustedHeaders はゲートウェイだけが設定できるヘッダー。クライアントから届いたものは
// 他のどの処理よりも先に削除する。
var trustedHeaders = []string{
	HeaderUserID,
	HeaderUserEmail,
	HeaderUserName,
	"X-User-Role",
	HeaderGatewaySource,
	"X-Forwarded-User",
	middleware.HeaderInternalKey,
}

// sanitizeStage はなりすまし可能な識別ヘッダーを削除する。
func (s *Server) sanitizeStage(ex *Exchange) Outcome {
	h := ex.c.Request.Header
	for _, name := range trustedHeaders {
		h.Del(name)
	}
	return Continue()
}

// requestIDStage はリクエストIDを決めてレスポンスヘッダーとロガーに設定する。
func (s *Server) requestIDStage(ex *Exchange) Outcome {
	c := ex.c
	id := middleware.ResolveRequestID(c.GetHeader(HeaderRequestID))
	ex.RequestID = id
	ex.ClientIdentity = "ip:" + c.ClientIP()
	c.Set(middleware.ContextKeyRequestID, id)
	c.Header(HeaderRequestID, id)
	ex.logger = ex.logger.With().Str(logging.FieldRequestID, id).Logger()
	return Continue()
}

// corsStage はゲートウェイのCORSヘッダーを設定し、プリフライトには204で応答する。
func (s *Server) corsStage(ex *Exchange) Outcome {
	c := ex.c
	s.cors.Apply(c.Writer.Header(), c.GetHeader("Origin"))
	if middleware.IsPreflight(c.Request) {
		c.Status(http.StatusNoContent)
		c.Writer.WriteHeaderNow()
		return Handled()
	}
	return Continue()
}

// rateLimitStage はパスに一致するポリシーごとにクライアントのリクエスト数を数える。
// カウンタの保存先に障害がある場合はリクエストを通す。
func (s *Server) rateLimitStage(ex *Exchange) Outcome {
	c := ex.c
	path := c.Request.URL.Path
	for _, policy := range s.cfg.RateLimits {
		if !policy.Matches(path) {
			continue
		}
		d, err := s.limiter.Allow(c.Request.Context(), policy, ex.ClientIdentity)
		if err != nil {
			ex.logger.Error().
				Err(err).
				Str(logging.FieldPolicy, policy.Name).
				Str(logging.FieldClient, ex.ClientIdentity).
				Msg("レート制限のカウンタを更新できないためリクエストを許可します")
			continue
		}
		setRateLimitHeaders(c.Writer.Header(), d)
		if !d.Allowed {
			s.metrics.rateLimited.WithLabelValues(policy.Name).Inc()
			c.Header("Retry-After", strconv.FormatInt(d.RetryAfter(s.now()), 10))
			ex.logger.Warn().
				Str(logging.FieldPolicy, policy.Name).
				Str(logging.FieldClient, ex.ClientIdentity).
				Int64(logging.FieldCount, d.Count).
				Int64(logging.FieldLimit, policy.Limit).
				Msg("レート制限を超えたリクエストを拒否しました")
			return Respond(apperror.Safe(http.StatusTooManyRequests, "Too many requests, please try again later."))
		}
	}
	return Continue()
}

// setRateLimitHeaders はレート制限の状態をヘッダーに設定する。
// 複数のポリシーが一致した場合は後に評価したもの（より狭いポリシー）で上書きする。
func setRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Policy.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// isJSON はContent-TypeがJSONかどうかを返す。
func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || (len(mt) > 5 && mt[len(mt)-5:] == "+json")
}

// logRequestStage はリクエストを記録する。JSONボディはバッファして秘匿処理したものを記録し、
// それ以外のボディは読まずにそのまま転送する。
func (s *Server) logRequestStage(ex *Exchange) Outcome {
	c := ex.c
	req := c.Request

	if req.Body != nil && req.Body != http.NoBody && isJSON(req.Header.Get("Content-Type")) {
		if req.ContentLength > s.cfg.MaxBodyBytes {
			return Respond(apperror.Safe(http.StatusRequestEntityTooLarge, "Request body too large"))
		}
		data, err := io.ReadAll(http.MaxBytesReader(c.Writer, req.Body, s.cfg.MaxBodyBytes))
		_ = req.Body.Close()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return Respond(apperror.Safe(http.StatusRequestEntityTooLarge, "Request body too large"))
			}
			return Respond(apperror.Client(http.StatusBadRequest, "Malformed request body", err))
		}
		redacted, err := middleware.RedactJSON(data)
		if err != nil {
			return Respond(apperror.Safe(http.StatusBadRequest, "Malformed request body"))
		}
		ex.Body = redacted

		req.Body = io.NopCloser(bytes.NewReader(data))
		req.ContentLength = int64(len(data))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	ev := ex.logger.Info().
		Str(logging.FieldMethod, req.Method).
		Str(logging.FieldPath, req.URL.Path).
		Str(logging.FieldClient, ex.ClientIdentity)
	if len(ex.Body) > 0 {
		ev = ev.RawJSON(logging.FieldBody, ex.Body)
	}
	ev.Msg("リクエストを受信しました")
	return Continue()
}

// resolveStage はパスに最長一致するルートを決める。
func (s *Server) resolveStage(ex *Exchange) Outcome {
	path := ex.c.Request.URL.Path
	rule, ok := s.routes.Resolve(path)
	if !ok {
		return Respond(apperror.Safe(http.StatusNotFound, "Route not found"))
	}
	ex.Rule = rule
	if !rule.Enabled() {
		ex.logger.Error().
			Str(logging.FieldRoute, rule.Prefix).
			Str(logging.FieldService, rule.Service).
			Msg("転送先サービスが設定されていないルートへのリクエストです")
		return Respond(apperror.Unavailable(apperror.CauseDNS, errors.New("service not configured")))
	}
	return Continue()
}

// 認証失敗時にクライアントへ返すメッセージ。
const (
	msgAuthRequired = "Authentication required"
	msgInvalidToken = "Invalid token"
	msgTokenExpired = "Token expired. Please log in again."
)

// authenticateStage はルートの認証要件に従ってトークンを検証する。
func (s *Server) authenticateStage(ex *Exchange) Outcome {
	if ex.Rule.Auth == AuthNone {
		return Continue()
	}

	c := ex.c
	identity, reason, err := s.verify(c.Request)
	if err == nil {
		ex.Identity = identity
		ex.logger = ex.logger.With().Str(logging.FieldUserID, identity.UserID).Logger()
		return Continue()
	}

	if ex.Rule.Auth == AuthOptional {
		ex.logger.Debug().Str(logging.FieldReason, reason).Err(err).Msg("任意認証のトークン検証に失敗したため匿名として続行します")
		return Continue()
	}

	ev := ex.logger.Warn().Str(logging.FieldReason, reason).Str(logging.FieldClient, ex.ClientIdentity)
	ev.Err(err).Msg("認証に失敗しました")
	switch {
	case errors.Is(err, middleware.ErrTokenMissing):
		return Respond(apperror.Safe(http.StatusUnauthorized, msgAuthRequired))
	case errors.Is(err, middleware.ErrTokenExpired):
		return Respond(apperror.Safe(http.StatusUnauthorized, msgTokenExpired))
	default:
		return Respond(apperror.Safe(http.StatusUnauthorized, msgInvalidToken))
	}
}

// verify はAuthorizationヘッダーのトークンを検証する。失敗時はログ用の理由を返す。
func (s *Server) verify(req *http.Request) (*middleware.Identity, string, error) {
	token, err := middleware.BearerToken(req.Header.Get("Authorization"))
	if err != nil {
		return nil, failureReason(err), err
	}
	v := s.verifier.Verify(req.Context(), token)
	if !v.Valid {
		if v.Err == nil {
			v.Err = middleware.ErrTokenInvalid
		}
		return nil, failureReason(v.Err), v.Err
	}
	identity := v.Identity
	return &identity, "", nil
}

// failureReason は認証失敗の理由をログ用の短い名前にする。
func failureReason(err error) string {
	switch {
	case errors.Is(err, middleware.ErrTokenMissing):
		return "missing"
	case errors.Is(err, middleware.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, middleware.ErrTokenExpired):
		return "expired"
	default:
		return "invalid"
	}
}

// logLevelFor はレスポンスのステータスに応じたログレベルを返す。
func logLevelFor(status int) zerolog.Level {
	switch {
	case status >= 500:
		return zerolog.ErrorLevel
	case status >= 400:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}
