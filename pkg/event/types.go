// Package event はリアルタイム通知ハブとクライアントの間でやり取りする
// WebSocketフレームの型を定義する。
package event

import "encoding/json"

// Type はフレームの種類を表す。
type Type string

const (
	// TypeAuth はクライアントがトークンを送る認証要求。
	TypeAuth Type = "auth"
	// TypeAuthSuccess は認証に成功したことを表す。
	TypeAuthSuccess Type = "auth-success"
	// TypeAuthError は認証に失敗したことを表す。送信後に接続を閉じる。
	TypeAuthError Type = "auth-error"
	// TypeNotification はサーバーからユーザーへの通知。
	TypeNotification Type = "notification"
)

// Frame はWebSocketで送受信するJSONテキストフレーム。
type Frame struct {
	// Type はフレームの種類。
	Type Type `json:"type"`
	// Token はauthフレームで送られるBearerトークン。
	Token string `json:"token,omitempty"`
	// Message はauth-errorフレームの理由。
	Message string `json:"message,omitempty"`
	// Data はnotificationフレームのペイロード。内容は送信元サービスが決める。
	Data json.RawMessage `json:"data,omitempty"`
}

// NotifyRequest はバックエンドサービスが内部APIに送る通知要求。
type NotifyRequest struct {
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id" binding:"required"`
	// Data はクライアントにそのまま届けるペイロード。
	Data json.RawMessage `json:"data" binding:"required"`
}

// NotifyResponse は内部APIの応答。
type NotifyResponse struct {
	// Delivered は通知を送れたソケットの数。
	Delivered int `json:"delivered"`
}
