// Package apperror はgateway/realtimeが返すエラーの分類と、
// クライアント向けレスポンスへの変換を提供する。
//
// エラーは ClientError / UpstreamError / InternalError の3種類に分類する。
// クライアントへ返すボディは常に {success:false, message, requestId} で、
// スタックトレースや内部サービス名を含めない。
package apperror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/gin-gonic/gin"
)

// Kind はエラーの種類を表す。
type Kind int

const (
	// KindClient はリクエスト不正、認証失敗、レート制限などクライアント起因のエラー。
	KindClient Kind = iota + 1
	// KindUpstream は下流サービスへの到達不能、遅延、切断などのエラー。
	KindUpstream
	// KindInternal はgateway/realtime自身の予期しないエラー。
	KindInternal
)

// String はKindの名前を返す。
func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindUpstream:
		return "upstream"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// UpstreamCause は下流サービスとの通信失敗の原因。
type UpstreamCause string

const (
	// CauseRefused は接続拒否。
	CauseRefused UpstreamCause = "refused"
	// CauseReset は接続のリセット・途中切断。
	CauseReset UpstreamCause = "reset"
	// CauseDNS はホスト名の解決失敗。
	CauseDNS UpstreamCause = "dns"
	// CauseTimeout は下流サービスの応答タイムアウト。
	CauseTimeout UpstreamCause = "timeout"
	// CauseUnknown はその他の通信エラー。
	CauseUnknown UpstreamCause = "unknown"
)

// upstreamResponse は通信失敗の原因ごとのクライアント向けステータスとメッセージ。
var upstreamResponse = map[UpstreamCause]struct {
	status  int
	message string
}{
	CauseRefused: {http.StatusServiceUnavailable, "Service temporarily unavailable"},
	CauseReset:   {http.StatusServiceUnavailable, "Service connection was interrupted"},
	CauseDNS:     {http.StatusServiceUnavailable, "Service temporarily unavailable"},
	CauseTimeout: {http.StatusGatewayTimeout, "Upstream service timed out"},
	CauseUnknown: {http.StatusBadGateway, "Bad gateway"},
}

// Error はgateway/realtimeで扱うエラー。
type Error struct {
	// Kind はエラーの種類。
	Kind Kind
	// Status はKindClientの場合のHTTPステータスコード。
	Status int
	// Message はKindClientの場合のメッセージ。Exposedがfalseなら返さない。
	Message string
	// Exposed はMessageをクライアントに返してよいかどうか。
	Exposed bool
	// Cause はKindUpstreamの場合の通信失敗の原因。
	Cause UpstreamCause
	// Err は元になったエラー。ログにのみ出力する。
	Err error
}

// Client は公開しないメッセージを持つクライアントエラーを生成する。
func Client(status int, message string, err error) *Error {
	return &Error{Kind: KindClient, Status: status, Message: message, Err: err}
}

// Safe はメッセージをクライアントに返してよいクライアントエラーを生成する。
func Safe(status int, message string) *Error {
	return &Error{Kind: KindClient, Status: status, Message: message, Exposed: true}
}

// Upstream は下流サービスとの通信エラーを生成する。原因はerrから分類する。
func Upstream(err error) *Error {
	return &Error{Kind: KindUpstream, Cause: ClassifyUpstream(err), Err: err}
}

// Unavailable は原因が分かっている下流サービスの障害を生成する。
func Unavailable(cause UpstreamCause, err error) *Error {
	return &Error{Kind: KindUpstream, Cause: cause, Err: err}
}

// Internal は内部エラーを生成する。
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Err: err}
}

// Error はerrorインターフェースの実装。
func (e *Error) Error() string {
	status, message := e.Public()
	if e.Err != nil {
		return fmt.Sprintf("%s error (%d %s): %v", e.Kind, status, message, e.Err)
	}
	return fmt.Sprintf("%s error (%d %s)", e.Kind, status, message)
}

// Unwrap は元になったエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Public はクライアントに返すステータスコードとメッセージを返す。
// エラーからワイヤ形式への変換はこの関数だけが行う。
func (e *Error) Public() (int, string) {
	switch e.Kind {
	case KindClient:
		status := e.Status
		if status < 400 || status > 499 {
			status = http.StatusBadRequest
		}
		if e.Exposed && e.Message != "" {
			return status, e.Message
		}
		return status, http.StatusText(status)
	case KindUpstream:
		r, ok := upstreamResponse[e.Cause]
		if !ok {
			r = upstreamResponse[CauseUnknown]
		}
		return r.status, r.message
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// ClassifyUpstream はネットワークエラーを原因ごとに分類する。
func ClassifyUpstream(err error) UpstreamCause {
	if err == nil {
		return CauseUnknown
	}

	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return CauseRefused
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return CauseReset
	case errors.As(err, &dnsErr):
		return CauseDNS
	case errors.Is(err, context.DeadlineExceeded):
		return CauseTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CauseTimeout
	}
	return CauseUnknown
}

// Response はエラー時のレスポンスボディ。
type Response struct {
	// Success は常にfalse。
	Success bool `json:"success"`
	// Message はクライアント向けのメッセージ。
	Message string `json:"message"`
	// RequestID はリクエストの相関ID。
	RequestID string `json:"requestId"`
	// TimeoutMs はタイムアウト時のみ設定する、適用されたタイムアウト値（ミリ秒）。
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// NewResponse はエラーからレスポンスボディとステータスコードを生成する。
func NewResponse(e *Error, requestID string) (int, Response) {
	status, message := e.Public()
	return status, Response{Success: false, Message: message, RequestID: requestID}
}

// Write はエラーレスポンスを書き込む。既にレスポンスの書き込みが始まっている場合は
// 何もせずfalseを返す。
func Write(c *gin.Context, e *Error, requestID string) bool {
	if c.Writer.Written() {
		return false
	}
	status, body := NewResponse(e, requestID)
	c.AbortWithStatusJSON(status, body)
	return true
}
