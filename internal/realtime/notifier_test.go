package realtime

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/bookclub/pkg/event"
	"github.com/nao1215/bookclub/pkg/httpclient"
)

func TestNotifier(t *testing.T) {
	t.Parallel()

	t.Run("接続中のユーザーに通知が届き配信数が返ること", func(t *testing.T) {
		t.Parallel()

		h := newTestHub(t, testConfig())
		conn := h.connect(t, "user-1")

		n, err := NewNotifier(h.http.URL, testInternalKey).Notify(context.Background(), "user-1", map[string]string{"kind": "friend-request"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		f := readFrame(t, conn)
		assert.Equal(t, event.TypeNotification, f.Type)
		assert.JSONEq(t, `{"kind":"friend-request"}`, string(f.Data))
	})

	t.Run("接続していないユーザーへの通知は0を返すこと", func(t *testing.T) {
		t.Parallel()

		h := newTestHub(t, testConfig())
		n, err := NewNotifier(h.http.URL, testInternalKey).Notify(context.Background(), "nobody", "hello")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("共有キーが違う場合はステータスを含むエラーになること", func(t *testing.T) {
		t.Parallel()

		h := newTestHub(t, testConfig())
		_, err := NewNotifier(h.http.URL, "wrong").Notify(context.Background(), "user-1", "hello")
		var statusErr *httpclient.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	})

	t.Run("ユーザーIDが空の場合は送信しないこと", func(t *testing.T) {
		t.Parallel()

		_, err := NewNotifier("http://127.0.0.1:1", testInternalKey).Notify(context.Background(), "", "hello")
		assert.ErrorIs(t, err, ErrMissingUserID)
	})
}
