package middleware

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSensitiveKey(t *testing.T) {
	t.Parallel()

	for _, k := range []string{"password", "newPassword", "credit_card", "Credit-Card", "creditCardNumber",
		"token", "refresh_token", "accessToken", "clientSecret", "api_key", "X-API-Key", "apiKey"} {
		assert.True(t, IsSensitiveKey(k), "key=%q", k)
	}
	for _, k := range []string{"title", "email", "isbn", "bookId", "api", "card"} {
		assert.False(t, IsSensitiveKey(k), "key=%q", k)
	}
}

func TestRedactJSON(t *testing.T) {
	t.Parallel()

	t.Run("ネストしたオブジェクトと配列の秘匿対象が置き換えられること", func(t *testing.T) {
		t.Parallel()

		body := `{"email":"a@example.com","password":"hunter2","profile":{"apiKey":"k","name":"A"},
			"cards":[{"creditCard":"4111111111111111","label":"main"}],"count":10}`
		out, err := RedactJSON([]byte(body))
		require.NoError(t, err)

		s := string(out)
		assert.NotContains(t, s, "hunter2")
		assert.NotContains(t, s, "4111111111111111")
		assert.Contains(t, s, "a@example.com")
		assert.Contains(t, s, `"count":10`)

		var v map[string]any
		require.NoError(t, json.Unmarshal(out, &v))
		assert.Equal(t, RedactedMarker, v["password"])
		assert.Equal(t, RedactedMarker, v["profile"].(map[string]any)["apiKey"])
	})

	t.Run("秘匿対象のキーがオブジェクトを持つ場合も丸ごと置き換えられること", func(t *testing.T) {
		t.Parallel()

		out, err := RedactJSON([]byte(`{"secret":{"inner":"value"}}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"secret":"[REDACTED]"}`, string(out))
	})

	t.Run("空のボディはnilを返すこと", func(t *testing.T) {
		t.Parallel()

		out, err := RedactJSON([]byte("  "))
		require.NoError(t, err)
		assert.Nil(t, out)
	})

	t.Run("不正なJSONはエラーになること", func(t *testing.T) {
		t.Parallel()

		for _, body := range []string{`{"a":`, `{"a":1} {"b":2}`, `{"a":1}}`, `{"a":1}]`, `[1,2]]`, `{"a":1} x`} {
			_, err := RedactJSON([]byte(body))
			require.Error(t, err, body)
		}
	})

	t.Run("値の後ろの空白や改行は許容されること", func(t *testing.T) {
		t.Parallel()

		out, err := RedactJSON([]byte("{\"token\":\"t\"}\n  \t"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"token":"[REDACTED]"}`, string(out))
	})
}

// TestRedactJSONProperties は秘匿対象の値が出力に残らないことを性質として検証する。
func TestRedactJSONProperties(t *testing.T) {
	t.Parallel()

	properties := gopter.NewProperties(nil)

	properties.Property("秘匿対象キーの値は出力に含まれない", prop.ForAll(
		func(key, value, plain string) bool {
			secretValue := "SECRETVALUE" + value
			body, err := json.Marshal(map[string]any{
				key:      secretValue,
				"nested": []any{map[string]any{key: secretValue}},
				"note":   plain,
			})
			if err != nil {
				return false
			}
			out, err := RedactJSON(body)
			if err != nil {
				return false
			}
			return !strings.Contains(string(out), secretValue)
		},
		gen.OneConstOf("password", "Password", "user_password", "creditCard", "credit-card",
			"token", "idToken", "secret", "client_secret", "apiKey", "API_KEY"),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
