package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry はアクセストークンにexpクレームがないことを示す。
var ErrNoExpiry = errors.New("token has no exp claim")

// TokenExpiry はアクセストークンに埋め込まれた有効期限を返す。
// 署名の検証はサーバーの責務のため行わず、クレームを読むだけにとどめる。
func TokenExpiry(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}
