package gateway

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nao1215/bookclub/pkg/apperror"
	"github.com/nao1215/bookclub/pkg/middleware"
)

// Exchange は1リクエストの処理中に各ステージが共有する状態。
// リクエストの受信時に作られ、レスポンスの完了とともに破棄される。
type Exchange struct {
	// RequestID はリクエストの相関ID。
	RequestID string
	// ClientIdentity はレート制限に使うクライアントの識別子（"ip:<addr>"）。
	ClientIdentity string
	// ReceivedAt はリクエストを受け取った時刻。
	ReceivedAt time.Time
	// Timeout はこのリクエストに適用するタイムアウト。
	Timeout time.Duration
	// Rule は一致したルート。
	Rule *Rule
	// Identity は認証済みユーザー。匿名の場合はnil。
	Identity *middleware.Identity
	// Body はログ用に秘匿処理したJSONボディ。
	Body []byte

	c       *gin.Context
	logger  zerolog.Logger
	guard   *timeoutWriter
	detach  func() bool
	cleanup []func()
}

// TimedOut はタイムアウトのレスポンスを書き込んだかどうかを返す。
func (ex *Exchange) TimedOut() bool {
	return ex.guard != nil && ex.guard.TimedOut()
}

// onFinish はパイプラインの終了時に実行する処理を登録する。後に登録したものから実行する。
func (ex *Exchange) onFinish(fn func()) {
	ex.cleanup = append(ex.cleanup, fn)
}

// respond はエラーレスポンスを書き込む。既に書き込みが始まっている場合は何もしない。
func (ex *Exchange) respond(e *apperror.Error) {
	apperror.Write(ex.c, e, ex.RequestID)
}

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeRespond
	outcomeHandled
)

// Outcome はステージの実行結果。
type Outcome struct {
	kind outcomeKind
	err  *apperror.Error
}

// Continue は次のステージに進むことを表す。
func Continue() Outcome { return Outcome{kind: outcomeContinue} }

// Respond はエラーレスポンスを返してパイプラインを終えることを表す。
func Respond(e *apperror.Error) Outcome { return Outcome{kind: outcomeRespond, err: e} }

// Handled はステージ自身がレスポンスを書き込んだことを表す。
func Handled() Outcome { return Outcome{kind: outcomeHandled} }

// Stage はパイプラインの1段。
type Stage struct {
	// Name はステージ名。ログに使う。
	Name string
	// Run はステージの処理。
	Run func(*Exchange) Outcome
}

// exchangeKey はGinコンテキストとcontext.ContextにExchangeを格納するキー。
type exchangeKey struct{}

// contextKeyExchange はGinコンテキストにExchangeを格納するキー。
const contextKeyExchange = "gateway.exchange"

// exchangeFrom はGinコンテキストからExchangeを取り出す。無い場合は作る。
func exchangeFrom(c *gin.Context, logger zerolog.Logger) *Exchange {
	if v, ok := c.Get(contextKeyExchange); ok {
		if ex, ok := v.(*Exchange); ok {
			return ex
		}
	}
	ex := &Exchange{c: c, ReceivedAt: time.Now(), logger: logger}
	c.Set(contextKeyExchange, ex)
	return ex
}

// exchangeFromContext はリバースプロキシのコールバックからExchangeを取り出す。
func exchangeFromContext(ctx context.Context) *Exchange {
	ex, _ := ctx.Value(exchangeKey{}).(*Exchange)
	return ex
}

// runStages はステージを順に実行する。ContinueでないOutcomeが返った時点で止める。
// 登録された終了処理はパニック時も含めて必ず実行する。
func runStages(ex *Exchange, stages []Stage) (stopped bool) {
	defer func() {
		for i := len(ex.cleanup) - 1; i >= 0; i-- {
			ex.cleanup[i]()
		}
		ex.cleanup = nil
	}()

	for _, st := range stages {
		out := st.Run(ex)
		switch out.kind {
		case outcomeContinue:
			continue
		case outcomeRespond:
			ex.logger.Debug().Str("stage", st.Name).Err(out.err).Msg("ステージがリクエストを終了しました")
			ex.respond(out.err)
			ex.c.Abort()
			return true
		case outcomeHandled:
			ex.c.Abort()
			return true
		}
	}
	return false
}
