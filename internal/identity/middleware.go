package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAPIKey は資格情報を運ぶリクエストヘッダー名です。
const HeaderAPIKey = "X-API-Key"

// contextSeedKey は、ハンドラー間で解決済みの呼び出し元を共有するためのキーです。
const contextSeedKey = "identity.seed"

// Middleware は X-API-Key ヘッダーを検証するミドルウェアを返します。
// キーリングが空の場合は匿名の呼び出し元として通し、設定済みの場合は
// ヘッダーの欠落・未登録トークンをジョブ作成前に 401 で拒否します。
func Middleware(keyring *Keyring) gin.HandlerFunc {
	return func(c *gin.Context) {
		if keyring.Empty() {
			c.Set(contextSeedKey, AnonymousSeed())
			c.Next()
			return
		}

		token := strings.TrimSpace(c.GetHeader(HeaderAPIKey))
		seed, ok := keyring.Resolve(token)
		if token == "" || !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"ok":     false,
				"error":  "unauthorized",
				"detail": "A valid API key must be supplied via the X-API-Key header.",
			})
			return
		}

		c.Set(contextSeedKey, seed)
		c.Next()
	}
}

// FromContext は Middleware が格納した Seed を取り出します。
func FromContext(c *gin.Context) (Seed, bool) {
	value, exists := c.Get(contextSeedKey)
	if !exists {
		return Seed{}, false
	}
	seed, ok := value.(Seed)
	return seed, ok
}
