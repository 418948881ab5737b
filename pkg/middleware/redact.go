package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// RedactedMarker は秘匿したフィールドの値を置き換える文字列。
const RedactedMarker = "[REDACTED]"

// sensitiveKeys は秘匿対象とするキー名（小文字化し区切り文字を除いた形）に含まれる語。
var sensitiveKeys = []string{"password", "creditcard", "token", "secret", "apikey"}

// IsSensitiveKey はJSONのキー名が秘匿対象かどうかを返す。
// 大文字小文字と "-", "_", " " の違いは無視する。
func IsSensitiveKey(key string) bool {
	normalized := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(key))
	for _, s := range sensitiveKeys {
		if strings.Contains(normalized, s) {
			return true
		}
	}
	return false
}

// RedactJSON はJSONボディを解析し、秘匿対象のキーの値をRedactedMarkerに置き換えた
// JSONを返す。ボディがJSONとして不正な場合はエラーを返す。
func RedactJSON(body []byte) ([]byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// 値の後ろに空白以外が続く場合（2つ目の値や余分な閉じ括弧）も不正なボディとして扱う
	if err := dec.Decode(new(json.RawMessage)); !errors.Is(err, io.EOF) {
		return nil, &json.SyntaxError{Offset: dec.InputOffset()}
	}
	return json.Marshal(redactValue(v))
}

// redactValue は値を再帰的にたどって秘匿対象のキーを置き換える。
func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if IsSensitiveKey(k) {
				t[k] = RedactedMarker
				continue
			}
			t[k] = redactValue(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = redactValue(child)
		}
		return t
	default:
		return v
	}
}
