// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// ゲートウェイが背後のサービスのヘルスチェックを行う際や、
// バックエンドサービスが通知ハブへ通知を送る際に使用する。
// リクエストIDの伝播とエラーレスポンスの扱いを統一する。
package httpclient
