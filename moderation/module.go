package moderation

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"scriptorium/common"
	"scriptorium/models"
)

type ModerationModule struct {
	db               *gorm.DB
	service          *Service
	requireModerator []gin.HandlerFunc
}

// NewModerationModule builds the moderator routes. requireModerator guards
// every route and must leave the acting account under common.AccountKey.
func NewModerationModule(db *gorm.DB, service *Service, requireModerator ...gin.HandlerFunc) *ModerationModule {
	return &ModerationModule{db: db, service: service, requireModerator: requireModerator}
}

func (m *ModerationModule) RegisterRoutes(router *gin.Engine) {
	moderatorGroup := router.Group("/moderator")
	moderatorGroup.Use(m.requireModerator...)
	{
		moderatorGroup.GET("/reports", m.listReports)
		moderatorGroup.POST("/reports/:reportID/dismiss", m.dismissReport)
		moderatorGroup.POST("/reports/:reportID/uphold", m.upholdReport)
		moderatorGroup.GET("/actions", m.listActions)
		moderatorGroup.POST("/accounts/:accountID/ban", m.ban)
		moderatorGroup.POST("/accounts/:accountID/trust", m.recomputeTrust)
		moderatorGroup.GET("/accounts/:accountID/report-stats", m.reportStats)
		moderatorGroup.POST("/accounts/:accountID/lock-scripts", m.lockScripts)
		moderatorGroup.DELETE("/accounts/:accountID", m.deleteAccount)
	}
}

func currentModerator(c *gin.Context) *models.Account {
	return c.MustGet(common.AccountKey).(*models.Account)
}

func (m *ModerationModule) loadAccount(c *gin.Context) (*models.Account, bool) {
	id, err := strconv.Atoi(c.Param("accountID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid account ID"})
		return nil, false
	}

	var account models.Account
	if err := m.db.WithContext(c.Request.Context()).First(&account, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		} else {
			internalError(c, "loading account", err)
		}
		return nil, false
	}
	return &account, true
}

func (m *ModerationModule) loadReport(c *gin.Context) (*models.Report, bool) {
	id, err := strconv.Atoi(c.Param("reportID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid report ID"})
		return nil, false
	}

	var report models.Report
	if err := m.db.WithContext(c.Request.Context()).First(&report, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
		} else {
			internalError(c, "loading report", err)
		}
		return nil, false
	}
	return &report, true
}

func internalError(c *gin.Context, what string, err error) {
	slog.Error("moderation request failed", "op", what, "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
}

func (m *ModerationModule) listReports(c *gin.Context) {
	var reports []models.Report
	if err := m.db.WithContext(c.Request.Context()).
		Where("result IS NULL").
		Order("created_at").
		Find(&reports).Error; err != nil {
		internalError(c, "listing reports", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

func (m *ModerationModule) dismissReport(c *gin.Context) {
	report, ok := m.loadReport(c)
	if !ok {
		return
	}
	if err := m.service.DismissReport(c.Request.Context(), report, currentModerator(c)); err != nil {
		internalError(c, "dismissing report", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (m *ModerationModule) upholdReport(c *gin.Context) {
	report, ok := m.loadReport(c)
	if !ok {
		return
	}
	if err := m.service.UpholdReport(c.Request.Context(), report, currentModerator(c)); err != nil {
		internalError(c, "upholding report", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (m *ModerationModule) listActions(c *gin.Context) {
	query := m.db.WithContext(c.Request.Context()).Order("id DESC").Limit(100)
	if scriptID := c.Query("script_id"); scriptID != "" {
		query = query.Where("script_id = ?", scriptID)
	}
	if accountID := c.Query("account_id"); accountID != "" {
		query = query.Where("account_id = ?", accountID)
	}

	var actions []models.ModeratorAction
	if err := query.Find(&actions).Error; err != nil {
		internalError(c, "listing moderator actions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

type banRequest struct {
	Reason        string `form:"reason" json:"reason" binding:"required"`
	PrivateReason string `form:"private_reason" json:"private_reason"`
	BanRelated    *bool  `form:"ban_related" json:"ban_related"` // nil means true
}

func (m *ModerationModule) ban(c *gin.Context) {
	var req banRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A reason is required"})
		return
	}

	account, ok := m.loadAccount(c)
	if !ok {
		return
	}

	propagate := req.BanRelated == nil || *req.BanRelated
	if err := m.service.Ban(c.Request.Context(), account, currentModerator(c), req.Reason, req.PrivateReason, propagate); err != nil {
		internalError(c, "banning account", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "account": account})
}

func (m *ModerationModule) recomputeTrust(c *gin.Context) {
	account, ok := m.loadAccount(c)
	if !ok {
		return
	}

	trusted, err := m.service.RecomputeTrustedReports(c.Request.Context(), account)
	if err != nil {
		internalError(c, "recomputing trust", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "trusted_reports": trusted})
}

func (m *ModerationModule) reportStats(c *gin.Context) {
	account, ok := m.loadAccount(c)
	if !ok {
		return
	}

	ignore, _ := strconv.Atoi(c.Query("ignore_report"))
	stats, err := m.service.ReportStats(c.Request.Context(), account, ignore)
	if err != nil {
		internalError(c, "report stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type lockRequest struct {
	Reason     string `form:"reason" json:"reason" binding:"required"`
	DeleteType int    `form:"delete_type" json:"delete_type"`
}

func (m *ModerationModule) lockScripts(c *gin.Context) {
	var req lockRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "A reason is required"})
		return
	}
	switch req.DeleteType {
	case 0:
		req.DeleteType = models.DeleteTypeKeep
	case models.DeleteTypeKeep, models.DeleteTypeBlanked:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid delete type"})
		return
	}

	account, ok := m.loadAccount(c)
	if !ok {
		return
	}

	if err := m.service.LockAllScripts(c.Request.Context(), account, currentModerator(c), req.Reason, req.DeleteType); err != nil {
		internalError(c, "locking scripts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (m *ModerationModule) deleteAccount(c *gin.Context) {
	account, ok := m.loadAccount(c)
	if !ok {
		return
	}

	if err := m.service.DeleteAccount(c.Request.Context(), account); err != nil {
		internalError(c, "deleting account", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Account deleted"})
}
