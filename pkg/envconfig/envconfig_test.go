package envconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// t.Setenv を使うため、このファイルのテストは並列実行しない。

func TestGetOr(t *testing.T) {
	t.Setenv("ENVCONFIG_TEST_STR", "")
	assert.Equal(t, "default", GetOr("ENVCONFIG_TEST_STR", "default"))

	t.Setenv("ENVCONFIG_TEST_STR", "  value ")
	assert.Equal(t, "value", GetOr("ENVCONFIG_TEST_STR", "default"))
}

func TestDuration(t *testing.T) {
	t.Run("未設定の場合はデフォルト値を返すこと", func(t *testing.T) {
		t.Setenv("ENVCONFIG_TEST_DUR", "")
		d, err := Duration("ENVCONFIG_TEST_DUR", 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, d)
	})

	t.Run("単位なしの整数はミリ秒として解釈すること", func(t *testing.T) {
		t.Setenv("ENVCONFIG_TEST_DUR", "1500")
		d, err := Duration("ENVCONFIG_TEST_DUR", time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1500*time.Millisecond, d)
	})

	t.Run("Go形式の期間を解釈すること", func(t *testing.T) {
		t.Setenv("ENVCONFIG_TEST_DUR", "2m")
		d, err := Duration("ENVCONFIG_TEST_DUR", time.Second)
		require.NoError(t, err)
		assert.Equal(t, 2*time.Minute, d)
	})

	t.Run("不正な値はエラーになること", func(t *testing.T) {
		t.Setenv("ENVCONFIG_TEST_DUR", "abc")
		_, err := Duration("ENVCONFIG_TEST_DUR", time.Second)
		require.Error(t, err)

		t.Setenv("ENVCONFIG_TEST_DUR", "-1s")
		_, err = Duration("ENVCONFIG_TEST_DUR", time.Second)
		require.Error(t, err)
	})
}

func TestIntAndBool(t *testing.T) {
	t.Setenv("ENVCONFIG_TEST_INT", "42")
	n, err := Int("ENVCONFIG_TEST_INT", 1)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	t.Setenv("ENVCONFIG_TEST_INT", "x")
	_, err = Int("ENVCONFIG_TEST_INT", 1)
	require.Error(t, err)

	t.Setenv("ENVCONFIG_TEST_BOOL", "true")
	b, err := Bool("ENVCONFIG_TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, b)
}

func TestList(t *testing.T) {
	t.Setenv("ENVCONFIG_TEST_LIST", "")
	assert.Equal(t, []string{"a"}, List("ENVCONFIG_TEST_LIST", []string{"a"}))

	t.Setenv("ENVCONFIG_TEST_LIST", "http://a, ,http://b ")
	assert.Equal(t, []string{"http://a", "http://b"}, List("ENVCONFIG_TEST_LIST", nil))
}
