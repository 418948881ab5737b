package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingType はフレームにtypeが無いことを表す。
var ErrMissingType = errors.New("フレームにtypeがありません")

// New はdataをJSONにシリアライズしたフレームを生成する。dataがnilの場合はDataを空にする。
func New(frameType Type, data any) (*Frame, error) {
	f := &Frame{Type: frameType}
	if data == nil {
		return f, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("イベントデータが不正なJSONです")
		}
		f.Data = raw
		return f, nil
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}
	f.Data = jsonData
	return f, nil
}

// Notification はdataを載せたnotificationフレームを生成する。
func Notification(data json.RawMessage) (*Frame, error) {
	return New(TypeNotification, data)
}

// AuthError はmessageを理由とするauth-errorフレームを生成する。
func AuthError(message string) *Frame {
	return &Frame{Type: TypeAuthError, Message: message}
}

// Parse はテキストフレームを解析する。JSONとして不正な場合やtypeが無い場合はエラーを返す。
func Parse(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("フレームのデシリアライズに失敗: %w", err)
	}
	if f.Type == "" {
		return nil, ErrMissingType
	}
	return &f, nil
}

// Encode はフレームをJSONテキストにする。
func (f *Frame) Encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("フレームのシリアライズに失敗: %w", err)
	}
	return b, nil
}
