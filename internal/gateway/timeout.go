package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/bookclub/pkg/apperror"
	"github.com/nao1215/bookclub/pkg/logging"
)

// deadlineGrace はタイムアウトのレスポンスを書き終えるまでの猶予。
const deadlineGrace = 5 * time.Second

// timeoutWriter はタイムアウト後の書き込みを捨てるResponseWriter。
// ハンドラ側のヘッダーは独自のマップに持ち、実際に送信する時点で下位のWriterへ写す。
// タイマー側は下位のWriterだけを触るので、両者のヘッダー操作は競合しない。
type timeoutWriter struct {
	gin.ResponseWriter

	mu        sync.Mutex
	header    http.Header
	status    int
	committed bool
	timedOut  bool
	hijacked  bool
}

func newTimeoutWriter(w gin.ResponseWriter) *timeoutWriter {
	return &timeoutWriter{
		ResponseWriter: w,
		header:         w.Header().Clone(),
		status:         http.StatusOK,
	}
}

func (w *timeoutWriter) Header() http.Header {
	return w.header
}

func (w *timeoutWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timedOut || w.committed || code <= 0 {
		return
	}
	w.status = code
}

// commitLocked はヘッダーを下位のWriterへ写してステータスを送る。w.muを保持して呼ぶ。
func (w *timeoutWriter) commitLocked() {
	if w.committed {
		return
	}
	w.committed = true
	dst := w.ResponseWriter.Header()
	for k := range dst {
		delete(dst, k)
	}
	for k, v := range w.header {
		dst[k] = v
	}
	w.ResponseWriter.WriteHeader(w.status)
	w.ResponseWriter.WriteHeaderNow()
}

func (w *timeoutWriter) WriteHeaderNow() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timedOut {
		return
	}
	w.commitLocked()
}

func (w *timeoutWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	w.commitLocked()
	return w.ResponseWriter.Write(b)
}

func (w *timeoutWriter) WriteString(s string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	w.commitLocked()
	return w.ResponseWriter.WriteString(s)
}

func (w *timeoutWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timedOut {
		return
	}
	w.commitLocked()
	w.ResponseWriter.Flush()
}

// Written はレスポンスの送信が始まっているか、タイムアウトしたかどうかを返す。
func (w *timeoutWriter) Written() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed || w.timedOut
}

func (w *timeoutWriter) Status() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hijacked {
		return http.StatusSwitchingProtocols
	}
	if w.committed || w.timedOut {
		return w.ResponseWriter.Status()
	}
	return w.status
}

// Hijack はプロトコルを切り替えた接続をリバースプロキシに引き渡す。以後このWriterには書き込まない。
func (w *timeoutWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timedOut {
		return nil, nil, http.ErrHandlerTimeout
	}
	conn, brw, err := w.ResponseWriter.Hijack()
	if err != nil {
		return nil, nil, err
	}
	w.committed = true
	w.hijacked = true
	return conn, brw, nil
}

// TimedOut はタイムアウトのレスポンスを書き込んだかどうかを返す。
func (w *timeoutWriter) TimedOut() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timedOut
}

// Unwrap はhttp.ResponseControllerのために下位のWriterを返す。
func (w *timeoutWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// expire はレスポンスがまだ始まっていなければ408を書き込んでtrueを返す。
// 以後のハンドラからの書き込みはすべて捨てる。
func (w *timeoutWriter) expire(body []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.committed || w.timedOut {
		return false
	}
	w.timedOut = true
	w.ResponseWriter.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.ResponseWriter.WriteHeader(http.StatusRequestTimeout)
	_, _ = w.ResponseWriter.Write(body)
	w.ResponseWriter.Flush()
	return true
}

// finish はハンドラがステータスだけを設定して終えた場合にヘッダーを送る。
func (w *timeoutWriter) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.timedOut {
		w.commitLocked()
	}
}

// timeoutStage はパスに応じたタイムアウトを設定する。時間内にレスポンスが始まらなければ
// 408を一度だけ返し、転送中の通信をキャンセルする。
// プロトコル切り替え（WebSocketなど）は101を受け取るまでをタイムアウトの対象とし、
// 切り替え後の通信には適用しない。
func (s *Server) timeoutStage(ex *Exchange) Outcome {
	c := ex.c
	ex.Timeout = s.cfg.Timeouts.For(c.Request.URL.Path)

	rc := http.NewResponseController(c.Writer)
	deadline := ex.ReceivedAt.Add(ex.Timeout)
	// 接続のデッドラインはタイマーより後にして、408を書き込む前に接続が切れないようにする
	_ = rc.SetReadDeadline(deadline.Add(deadlineGrace))
	_ = rc.SetWriteDeadline(deadline.Add(deadlineGrace))

	guard := newTimeoutWriter(c.Writer)
	ex.guard = guard
	c.Writer = guard

	ctx, cancel := context.WithCancel(context.WithValue(c.Request.Context(), exchangeKey{}, ex))
	c.Request = c.Request.WithContext(ctx)

	_, resp := apperror.NewResponse(apperror.Safe(http.StatusRequestTimeout, "Request timeout"), ex.RequestID)
	resp.TimeoutMs = ex.Timeout.Milliseconds()
	body, _ := json.Marshal(resp)
	method, path := c.Request.Method, c.Request.URL.Path
	logger := ex.logger

	fired := make(chan struct{})
	timer := time.AfterFunc(time.Until(deadline), func() {
		defer close(fired)
		wrote := guard.expire(body)
		cancel()
		s.metrics.timeouts.Inc()

		ev := logger.Error().
			Int64(logging.FieldTimeoutMs, ex.Timeout.Milliseconds()).
			Int64(logging.FieldElapsedMs, time.Since(ex.ReceivedAt).Milliseconds()).
			Str(logging.FieldMethod, method).
			Str(logging.FieldPath, path)
		if wrote {
			ev.Msg("リクエストがタイムアウトしたため408を返しました")
		} else {
			ev.Msg("レスポンス送信中にタイムアウトしたため転送を中断しました")
		}
	})

	var stopOnce sync.Once
	stopTimer := func() {
		stopOnce.Do(func() {
			if !timer.Stop() {
				<-fired
			}
		})
	}
	ex.detach = func() bool {
		stopTimer()
		if guard.TimedOut() {
			return false
		}
		// 切り替え後の接続はサーバーが設定したデッドラインを引き継ぐので外しておく
		_ = rc.SetReadDeadline(time.Time{})
		_ = rc.SetWriteDeadline(time.Time{})
		return true
	}

	ex.onFinish(func() {
		stopTimer()
		guard.finish()
		cancel()
		// キープアライブで再利用される接続に古いデッドラインを残さない
		_ = rc.SetWriteDeadline(time.Time{})
	})
	return Continue()
}

// errUpgradeTimedOut はプロトコル切り替えの応答がタイムアウト後に届いたことを表す。
var errUpgradeTimedOut = errors.New("プロトコル切り替えの応答がタイムアウト後に届きました")

// detachTimeout は101を受け取った後に呼び、タイムアウトを解除する。
// すでに408を返していた場合はfalseを返す。
func (ex *Exchange) detachTimeout() bool {
	if ex.detach == nil {
		return true
	}
	return ex.detach()
}
