package accounts

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"scriptorium/common"
	"scriptorium/models"
)

// ProfilePolicy decides whether an account may show a public profile.
type ProfilePolicy interface {
	AllowPostingProfile(ctx context.Context, account *models.Account) (bool, error)
}

type AccountsModule struct {
	service  *Service
	profiles ProfilePolicy
}

func NewAccountsModule(service *Service, profiles ProfilePolicy) *AccountsModule {
	return &AccountsModule{service: service, profiles: profiles}
}

func (a *AccountsModule) RegisterRoutes(router *gin.Engine) {
	group := router.Group("/accounts")
	{
		group.POST("/register", a.register)
		group.POST("/login", a.login)
		group.GET("/confirm/:token", a.confirm)
		group.POST("/logout", a.logout)
		group.GET("/me", RequireAuth, a.me)
		group.POST("/sessions/invalidate", RequireAuth, a.invalidateSessions)
	}
}

func respondError(c *gin.Context, err error) {
	status := common.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("account request failed", "path", c.FullPath(), "err", err)
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (a *AccountsModule) register(c *gin.Context) {
	var in RegisterInput
	if err := c.ShouldBind(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Name, email and password are required"})
		return
	}

	account, err := a.service.Register(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"account": account,
		"message": "Check your inbox to confirm your email address.",
	})
}

func (a *AccountsModule) login(c *gin.Context) {
	account, err := a.service.Authenticate(c.Request.Context(), c.PostForm("email"), c.PostForm("password"))
	if err != nil {
		respondError(c, err)
		return
	}

	if err := signIn(c, account); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "account": account})
}

func (a *AccountsModule) confirm(c *gin.Context) {
	if _, err := a.service.Confirm(c.Request.Context(), c.Param("token")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Email confirmed. You can now publish scripts.",
	})
}

func (a *AccountsModule) logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Save()

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *AccountsModule) me(c *gin.Context) {
	account := c.MustGet(common.AccountKey).(*models.Account)
	canPostProfile, err := a.profiles.AllowPostingProfile(c.Request.Context(), account)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":          account,
		"can_post_profile": canPostProfile,
	})
}

// invalidateSessions signs the account out of every other browser and
// keeps the current one signed in.
func (a *AccountsModule) invalidateSessions(c *gin.Context) {
	account := c.MustGet(common.AccountKey).(*models.Account)
	if err := a.service.RotateSession(c.Request.Context(), account); err != nil {
		respondError(c, err)
		return
	}
	if err := signIn(c, account); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
