// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として
// 機能する。受け取ったリクエストは順序付きのステージ列（パイプライン）を通り、
// ヘッダーの無害化、リクエストID付与、CORS、タイムアウト、レート制限、
// ログ出力、ルート解決、認証を経て背後のサービスに転送される。
//
// ルートテーブルとサービスレジストリは起動時に一度だけ構築し、以後は変更しない。
// クライアントに返すエラーはすべて {success:false, message, requestId} 形式で、
// 内部サービス名やスタックトレースを含めない。
package gateway
