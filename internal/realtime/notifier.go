package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nao1215/bookclub/pkg/event"
	"github.com/nao1215/bookclub/pkg/httpclient"
	"github.com/nao1215/bookclub/pkg/middleware"
)

// Notifier はバックエンドサービスから通知ハブの内部APIを呼び出すクライアント。
type Notifier struct {
	client *httpclient.Client
}

// NewNotifier はbaseURLの通知ハブに共有キーinternalKeyで通知を送るNotifierを生成する。
func NewNotifier(baseURL, internalKey string, opts ...httpclient.Option) *Notifier {
	opts = append([]httpclient.Option{httpclient.WithHeader(middleware.HeaderInternalKey, internalKey)}, opts...)
	return &Notifier{client: httpclient.New(baseURL, opts...)}
}

// Notify はuserIDの全ての接続にdataを届け、届けた接続の数を返す。
// ユーザーが接続していない場合は0を返す。再送はしない。
func (n *Notifier) Notify(ctx context.Context, userID string, data any) (int, error) {
	if userID == "" {
		return 0, ErrMissingUserID
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("通知データのシリアライズに失敗: %w", err)
	}

	var res event.NotifyResponse
	if err := n.client.PostJSON(ctx, "/internal/notify", event.NotifyRequest{UserID: userID, Data: raw}, &res); err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) {
			return 0, fmt.Errorf("通知ハブが通知を拒否しました: status=%d: %w", statusErr.StatusCode, err)
		}
		return 0, fmt.Errorf("通知ハブへの送信に失敗: %w", err)
	}
	return res.Delivered, nil
}
