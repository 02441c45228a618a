package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issue 签发 HS256 token，sub 为用户 id。
// 正式环境由外部账号系统签发，这里用于本地联调和 reviewer 账号。
func Issue(secret []byte, userID string, ttl time.Duration, now time.Time) (string, error) {
	if userID == "" {
		return "", errors.New("auth: user id is required")
	}
	if len(secret) == 0 {
		return "", errors.New("auth: secret is empty")
	}
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
