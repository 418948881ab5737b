// Package realtime はWebSocketでユーザーへ通知を届けるリアルタイム通知ハブを提供する。
//
// クライアントは接続後の最初のフレームでトークンを送って認証する。認証済みの接続は
// ユーザーIDごとにまとめて保持し、バックエンドサービスは内部APIを通じて
// そのユーザーの全接続へ通知を送る。応答の無い接続はハートビートで切断する。
package realtime
