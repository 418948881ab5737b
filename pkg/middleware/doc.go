// Package middleware はgatewayとrealtimeで共有するHTTP/認証の部品を提供する。
//
// CORSの許可リスト、Bearerトークンの検証、パニックリカバリ、
// 内部API用の共有キー認証、ログ出力用のリクエストボディの秘匿化、リクエストIDの採番を含む。
package middleware
