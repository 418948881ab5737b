package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// トークン検証の失敗理由。ログで区別するために使い、クライアントには返さない。
var (
	// ErrTokenMissing はAuthorizationヘッダーが無いことを表す。
	ErrTokenMissing = errors.New("トークンがありません")
	// ErrTokenMalformed はBearer形式でない、またはJWTとして解析できないことを表す。
	ErrTokenMalformed = errors.New("トークンの形式が不正です")
	// ErrTokenExpired はトークンの有効期限切れを表す。
	ErrTokenExpired = errors.New("トークンの有効期限が切れています")
	// ErrTokenInvalid は署名やクレームが不正であることを表す。
	ErrTokenInvalid = errors.New("トークンが無効です")
)

// Identity は検証済みトークンから得たユーザー情報。
// クライアントが送ったヘッダーから組み立ててはならない。
type Identity struct {
	// UserID はユーザーの一意識別子。
	UserID string
	// Email はユーザーのメールアドレス。
	Email string
	// DisplayName はユーザーの表示名。トークンに含まれない場合は空。
	DisplayName string
}

// Verification はトークン検証の結果。
type Verification struct {
	// Valid は検証に成功したかどうか。
	Valid bool
	// Identity は検証に成功した場合のユーザー情報。
	Identity Identity
	// Err は検証に失敗した場合の理由。ErrToken* のいずれかをラップする。
	Err error
}

// TokenVerifier はBearerトークンを検証する。
type TokenVerifier interface {
	// Verify はトークン文字列（Bearer接頭辞なし）を検証する。
	Verify(ctx context.Context, token string) Verification
}

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Name はユーザーの表示名。
	Name string `json:"name,omitempty"`
}

// BearerToken はAuthorizationヘッダーの値からトークンを取り出す。
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrTokenMissing
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrTokenMalformed
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", ErrTokenMalformed
	}
	return token, nil
}

// JWTVerifier はHS256で署名されたJWTを検証するTokenVerifier。
type JWTVerifier struct {
	// secret は署名検証用の秘密鍵。
	secret []byte
}

// NewJWTVerifier はJWTVerifierを生成する。
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify はTokenVerifierインターフェースの実装。
func (v *JWTVerifier) Verify(_ context.Context, token string) Verification {
	claims := &JWTClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Verification{Err: fmt.Errorf("%w: %v", ErrTokenExpired, err)}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return Verification{Err: fmt.Errorf("%w: %v", ErrTokenMalformed, err)}
	case err != nil:
		return Verification{Err: fmt.Errorf("%w: %v", ErrTokenInvalid, err)}
	case !parsed.Valid || claims.UserID == "":
		return Verification{Err: fmt.Errorf("%w: user_idがありません", ErrTokenInvalid)}
	}

	return Verification{
		Valid: true,
		Identity: Identity{
			UserID:      claims.UserID,
			Email:       claims.Email,
			DisplayName: claims.Name,
		},
	}
}

// SignJWT は任意のクレームをHS256で署名する。
func SignJWT(secret string, claims JWTClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}
