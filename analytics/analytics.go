// Package analytics counts script installs and update checks.
package analytics

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const (
	EventInstall     = "install"
	EventUpdateCheck = "update_check"
)

// ThrottleWindow is how long repeated events from one visitor for the same
// script and event count once.
const ThrottleWindow = 24 * time.Hour

const visitorCookie = "scriptorium_visitor_id"

type InstallEvent struct {
	ID        uint      `gorm:"primary_key;autoIncrement"`
	ScriptID  int       `gorm:"not null;index"`
	VisitorID string    `gorm:"not null;index"`
	Event     string    `gorm:"not null;default:'install'"`
	IP        string    `gorm:"not null"`
	Language  *string
	Browser   *string
	CreatedAt time.Time `gorm:"index"`
}

type AnalyticsModule struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAnalyticsModule(db *gorm.DB) *AnalyticsModule {
	if db == nil {
		slog.Warn("analytics database is nil, install counting disabled")
		return nil
	}
	return &AnalyticsModule{db: db, now: time.Now}
}

// WithClock replaces the time source, used by tests.
func (a *AnalyticsModule) WithClock(now func() time.Time) *AnalyticsModule {
	a.now = now
	return a
}

// Track records event for scriptID unless the same visitor already did
// within ThrottleWindow. It reports whether a new event was stored.
func (a *AnalyticsModule) Track(c *gin.Context, scriptID int, event string) bool {
	if a == nil || a.db == nil {
		return false
	}

	visitorID := a.getOrCreateVisitorID(c)
	since := a.now().Add(-ThrottleWindow)

	var recent int64
	err := a.db.Model(&InstallEvent{}).
		Where("visitor_id = ? AND script_id = ? AND event = ? AND created_at > ?", visitorID, scriptID, event, since).
		Count(&recent).Error
	if err != nil {
		slog.Error("could not check recent install events", "script", scriptID, "err", err)
		return false
	}
	if recent > 0 {
		return false
	}

	record := InstallEvent{
		ScriptID:  scriptID,
		VisitorID: visitorID,
		Event:     event,
		IP:        clientIP(c),
		Language:  extractLanguage(c),
		Browser:   extractBrowser(c.Request.UserAgent()),
		CreatedAt: a.now(),
	}
	if err := a.db.Create(&record).Error; err != nil {
		slog.Error("could not save install event", "script", scriptID, "err", err)
		return false
	}
	return true
}

// getOrCreateVisitorID reads the visitor cookie, setting a new one when
// missing.
func (a *AnalyticsModule) getOrCreateVisitorID(c *gin.Context) string {
	if cookie, err := c.Cookie(visitorCookie); err == nil && cookie != "" {
		return cookie
	}

	data := a.now().String() + c.ClientIP() + c.Request.UserAgent()
	hash := sha256.Sum256([]byte(data))
	visitorID := hex.EncodeToString(hash[:])

	c.SetCookie(visitorCookie, visitorID, 60*60*24*365*2, "/", "", false, true)
	return visitorID
}

// clientIP prefers proxy headers over the socket address.
func clientIP(c *gin.Context) string {
	if ip := c.GetHeader("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := c.GetHeader("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := c.GetHeader("CF-Connecting-IP"); ip != "" {
		return ip
	}
	return c.ClientIP()
}

// extractBrowser names the browser family of a User-Agent. The more
// specific families are matched first.
func extractBrowser(userAgent string) *string {
	if userAgent == "" {
		return nil
	}

	ua := strings.ToLower(userAgent)
	var browser string
	switch {
	case strings.Contains(ua, "edg"):
		browser = "Edge"
	case strings.Contains(ua, "opera") || strings.Contains(ua, "opr"):
		browser = "Opera"
	case strings.Contains(ua, "chrome"):
		browser = "Chrome"
	case strings.Contains(ua, "safari"):
		browser = "Safari"
	case strings.Contains(ua, "firefox"):
		browser = "Firefox"
	default:
		browser = "Other"
	}
	return &browser
}

// extractLanguage returns the first Accept-Language tag.
func extractLanguage(c *gin.Context) *string {
	accept := c.GetHeader("Accept-Language")
	if accept == "" {
		return nil
	}
	lang := strings.TrimSpace(strings.Split(strings.Split(accept, ",")[0], ";")[0])
	if lang == "" {
		return nil
	}
	return &lang
}

type DayCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

type ScriptCount struct {
	ScriptID int   `json:"script_id"`
	Count    int64 `json:"count"`
}

// Count returns the total number of event records for a script.
func (a *AnalyticsModule) Count(scriptID int, event string) int64 {
	if a == nil || a.db == nil {
		return 0
	}
	var count int64
	a.db.Model(&InstallEvent{}).Where("script_id = ? AND event = ?", scriptID, event).Count(&count)
	return count
}

// ByDay returns daily counts for the last days days, oldest first, with
// empty days filled in.
func (a *AnalyticsModule) ByDay(scriptID int, event string, days int) []DayCount {
	if a == nil || a.db == nil || days <= 0 {
		return []DayCount{}
	}

	now := a.now()
	start := now.AddDate(0, 0, -(days - 1)).Truncate(24 * time.Hour)

	var rows []DayCount
	a.db.Model(&InstallEvent{}).
		Select("DATE(created_at) as date, COUNT(*) as count").
		Where("script_id = ? AND event = ? AND created_at >= ?", scriptID, event, start).
		Group("DATE(created_at)").
		Order("date ASC").
		Scan(&rows)

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Date] = r.Count
	}

	result := make([]DayCount, days)
	for i := 0; i < days; i++ {
		date := now.AddDate(0, 0, -(days - 1 - i)).Format("2006-01-02")
		result[i] = DayCount{Date: date, Count: counts[date]}
	}
	return result
}

// TopScripts returns the scripts with the most events in the last days
// days.
func (a *AnalyticsModule) TopScripts(event string, days, limit int) []ScriptCount {
	if a == nil || a.db == nil {
		return []ScriptCount{}
	}

	var results []ScriptCount
	a.db.Model(&InstallEvent{}).
		Select("script_id, COUNT(*) as count").
		Where("event = ? AND created_at >= ?", event, a.now().AddDate(0, 0, -days)).
		Group("script_id").
		Order("count DESC").
		Limit(limit).
		Scan(&results)
	return results
}
