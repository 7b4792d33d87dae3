package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

type ChatClaims struct {
	ChatID int64 `json:"chat_id"`
	jwt.RegisteredClaims
}

// SignChatToken issues an HS256 token that identifies one chat.
func SignChatToken(chatID int64, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ChatClaims{
		ChatID: chatID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func ParseChatToken(tokenStr, secret string) (int64, error) {
	var claims ChatClaims
	tok, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return 0, ErrInvalidToken
	}
	if claims.ChatID == 0 {
		return 0, ErrInvalidToken
	}
	return claims.ChatID, nil
}
