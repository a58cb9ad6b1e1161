package versions

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"scriptorium/common"
	"scriptorium/models"
)

const newScriptNoticeKey = "new_script_notice"

type VersionsModule struct {
	publisher        *Publisher
	requireAuth      gin.HandlerFunc
	requireModerator gin.HandlerFunc
	limiter          *common.RateLimiter
}

func NewVersionsModule(publisher *Publisher, requireAuth, requireModerator gin.HandlerFunc, limiter *common.RateLimiter) *VersionsModule {
	return &VersionsModule{
		publisher:        publisher,
		requireAuth:      requireAuth,
		requireModerator: requireModerator,
		limiter:          limiter,
	}
}

func (m *VersionsModule) RegisterRoutes(router *gin.Engine) {
	submit := []gin.HandlerFunc{m.requireAuth}
	if m.limiter != nil {
		submit = append(submit, m.limiter.Middleware())
	}

	router.GET("/scripts/:scriptID/versions", m.index)
	router.GET("/scripts/:scriptID/versions/new", m.requireAuth, m.newForm)
	router.POST("/scripts/:scriptID/versions", append(submit, m.create)...)
	router.GET("/scripts/:scriptID/versions/:versionID/delete", m.requireAuth, m.requireModerator, m.deleteForm)
	router.POST("/scripts/:scriptID/versions/:versionID/delete", m.requireAuth, m.requireModerator, m.doDelete)

	group := router.Group("/script_versions")
	{
		group.GET("/new", m.requireAuth, m.newForm)
		group.POST("", append(submit, m.create)...)
		group.POST("/confirm_new_author", m.requireAuth, m.confirmNewAuthor)
		group.GET("/additional_info_form", m.requireAuth, m.additionalInfoForm)
	}
}

func currentAccount(c *gin.Context) *models.Account {
	v, ok := c.Get(common.AccountKey)
	if !ok {
		return nil
	}
	account, _ := v.(*models.Account)
	return account
}

func optionalID(c *gin.Context, param string) (*int, bool) {
	raw := c.Param(param)
	if raw == "" {
		return nil, true
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + param})
		return nil, false
	}
	return &id, true
}

// respondError maps workflow errors to responses. Rejections that carry a
// result send it back so the form can be redisplayed.
func respondError(c *gin.Context, err error, result *Result) {
	status := common.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("version request failed", "path", c.FullPath(), "err", err)
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}

	body := gin.H{"error": err.Error()}
	if result != nil {
		body["result"] = result
	}
	c.JSON(status, body)
}

func (m *VersionsModule) index(c *gin.Context) {
	scriptID, ok := optionalID(c, "scriptID")
	if !ok {
		return
	}

	script, versions, err := m.publisher.History(c.Request.Context(), currentAccount(c), *scriptID)
	if err != nil {
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"script":   script,
		"versions": versions,
	})
}

func (m *VersionsModule) newForm(c *gin.Context) {
	scriptID, ok := optionalID(c, "scriptID")
	if !ok {
		return
	}

	session := sessions.Default(c)
	noticeSeen := session.Get(newScriptNoticeKey) != nil

	form, err := m.publisher.NewForm(c.Request.Context(), currentAccount(c), scriptID, c.Query("language"), noticeSeen)
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, form)
}

func (m *VersionsModule) confirmNewAuthor(c *gin.Context) {
	session := sessions.Default(c)
	session.Set(newScriptNoticeKey, true)
	if err := session.Save(); err != nil {
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"next":    "/script_versions/new?language=" + c.DefaultPostForm("language", "js"),
	})
}

func (m *VersionsModule) additionalInfoForm(c *gin.Context) {
	index, _ := strconv.Atoi(c.Query("index"))
	c.JSON(http.StatusOK, gin.H{
		"index":           index,
		"additional_info": BlankAdditionalInfo(currentAccount(c)),
	})
}

func (m *VersionsModule) create(c *gin.Context) {
	sub, err := bindSubmission(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := m.publisher.Create(c.Request.Context(), currentAccount(c), sub)
	if err != nil {
		respondError(c, err, result)
		return
	}

	status := http.StatusOK
	if result.Persisted {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

func (m *VersionsModule) loadVersion(c *gin.Context) (*models.ScriptVersion, bool) {
	scriptID, err := strconv.Atoi(c.Param("scriptID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid scriptID"})
		return nil, false
	}
	versionID, err := strconv.Atoi(c.Param("versionID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid versionID"})
		return nil, false
	}

	var version models.ScriptVersion
	if err := m.publisher.db.WithContext(c.Request.Context()).Omit("code").
		Where("script_id = ?", scriptID).First(&version, versionID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Version not found"})
		return nil, false
	}
	return &version, true
}

func (m *VersionsModule) deleteForm(c *gin.Context) {
	version, ok := m.loadVersion(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version})
}

func (m *VersionsModule) doDelete(c *gin.Context) {
	version, ok := m.loadVersion(c)
	if !ok {
		return
	}

	err := m.publisher.Delete(c.Request.Context(), currentAccount(c), version.ScriptID, version.ID, c.PostForm("reason"))
	if err != nil {
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Version deleted.",
	})
}
