// Package logging はzerologベースの構造化ロガーを生成する。
//
// gateway/realtimeの両サービスで同じ出力形式とフィールド名を使うため、
// ロガーの生成とフィールド名の定数をここに集約する。
package logging
