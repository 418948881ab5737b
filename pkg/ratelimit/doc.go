// Package ratelimit は固定ウィンドウ方式のレート制限を提供する。
//
// カウンタは Store インターフェースの背後に置く。複数のgatewayインスタンスで
// 制限を共有する場合は RedisStore を、単一インスタンスや開発環境では
// MemoryStore を使う。カウンタはウィンドウ内で単調増加し、減算は行わず、
// ウィンドウ経過後に期限切れで消える。
package ratelimit
