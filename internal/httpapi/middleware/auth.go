package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/chatgate/internal/auth"
	"github.com/suPer8Hu/chatgate/internal/common"
)

const (
	ChatIDKey      = "chat_id"
	AdminKeyHeader = "X-Admin-Key"
)

// AuthRequired accepts "Authorization: Bearer <chat token>" and stores the
// chat id under ChatIDKey.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		tok, found := strings.CutPrefix(h, "Bearer ")
		if !found || strings.TrimSpace(tok) == "" {
			common.Fail(c, http.StatusUnauthorized, 40100, "missing bearer token")
			return
		}
		chatID, err := auth.ParseChatToken(strings.TrimSpace(tok), secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		c.Set(ChatIDKey, chatID)
		c.Next()
	}
}

// AdminRequired checks X-Admin-Key against the configured bcrypt hash. With
// no hash configured every admin call is refused.
func AdminRequired(keyHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.CheckAdminKey(keyHash, c.GetHeader(AdminKeyHeader)) {
			common.Fail(c, http.StatusForbidden, 40300, "forbidden")
			return
		}
		c.Next()
	}
}
