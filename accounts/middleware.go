package accounts

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"scriptorium/common"
	"scriptorium/models"
)

const (
	sessionAccountKey = "account_id"
	sessionTokenKey   = "session_token"
)

// LoadAccount puts the signed-in account, if any, on the context. Sessions
// whose token no longer matches the account, and banned accounts, are
// cleared.
func LoadAccount(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		id, ok := session.Get(sessionAccountKey).(int)
		if !ok {
			c.Next()
			return
		}

		var account models.Account
		err := db.WithContext(c.Request.Context()).First(&account, id).Error
		token, _ := session.Get(sessionTokenKey).(string)
		if err != nil || account.Banned() || token == "" || token != account.SessionToken {
			session.Clear()
			session.Save()
			c.Next()
			return
		}

		c.Set(common.AccountKey, &account)
		c.Set(common.AccountIDKey, account.ID)
		c.Next()
	}
}

// RequireAuth rejects requests without a signed-in account.
func RequireAuth(c *gin.Context) {
	if _, ok := c.Get(common.AccountKey); !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "You must sign in first"})
		return
	}
	c.Next()
}

// RequireModerator rejects everyone but moderators.
func RequireModerator(c *gin.Context) {
	v, ok := c.Get(common.AccountKey)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "You must sign in first"})
		return
	}
	if account, _ := v.(*models.Account); account == nil || !account.Moderator {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Moderators only"})
		return
	}
	c.Next()
}

func signIn(c *gin.Context, account *models.Account) error {
	session := sessions.Default(c)
	session.Set(sessionAccountKey, account.ID)
	session.Set(sessionTokenKey, account.SessionToken)
	return session.Save()
}
