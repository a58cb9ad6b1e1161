package site

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"scriptorium/analytics"
	"scriptorium/cache"
	"scriptorium/common"
	"scriptorium/models"
	"scriptorium/scripts"
)

const pageSize = 50

// CodeCacheAge is how long served code stays in the on-disk cache when
// nothing invalidates it first.
const CodeCacheAge = time.Hour

type SiteModule struct {
	db        *gorm.DB
	domain    string
	analytics *analytics.AnalyticsModule
	cache     *cache.Store
}

func NewSiteModule(db *gorm.DB, domain string, tracker *analytics.AnalyticsModule, store *cache.Store) *SiteModule {
	if domain == "" {
		domain = "http://localhost:8080"
	}
	return &SiteModule{
		db:        db,
		domain:    strings.TrimSuffix(domain, "/"),
		analytics: tracker,
		cache:     store,
	}
}

func (s *SiteModule) RegisterRoutes(router *gin.Engine) {
	router.GET("/", s.index)
	router.GET("/scripts", s.index)
	router.GET("/scripts/popular", s.popular)
	router.GET("/scripts/:scriptID", s.show)
	router.GET("/scripts/:scriptID/stats", s.stats)

	code := []gin.HandlerFunc{s.trackInstall}
	if s.cache != nil {
		code = append(code, s.cache.Middleware(CodeCacheAge))
	}
	router.GET("/scripts/:scriptID/code/:name", append(code, s.code)...)

	router.GET("/sitemap.xml", s.sitemap)
}

func currentAccount(c *gin.Context) *models.Account {
	v, ok := c.Get(common.AccountKey)
	if !ok {
		return nil
	}
	account, _ := v.(*models.Account)
	return account
}

// listable restricts a query to scripts shown in public listings.
func listable(db *gorm.DB) *gorm.DB {
	return db.Where("script_type = ? AND delete_type IS NULL AND review_state <> ?",
		models.ScriptTypePublic, models.ReviewStateRequired)
}

// canView hides deleted scripts from everyone but their authors and
// moderators.
func canView(script *models.Script, viewer *models.Account) bool {
	if !script.Deleted() {
		return true
	}
	if viewer == nil {
		return false
	}
	if viewer.Moderator {
		return true
	}
	for _, a := range script.Authors {
		if a.AccountID == viewer.ID {
			return true
		}
	}
	return false
}

func (s *SiteModule) loadScript(c *gin.Context) (*models.Script, bool) {
	id, err := strconv.Atoi(c.Param("scriptID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid scriptID"})
		return nil, false
	}

	var script models.Script
	err = s.db.WithContext(c.Request.Context()).Preload("Authors.Account").First(&script, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !canView(&script, currentAccount(c))) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Script not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return nil, false
	}
	return &script, true
}

func (s *SiteModule) newestVersion(c *gin.Context, scriptID int) (*models.ScriptVersion, error) {
	var version models.ScriptVersion
	err := s.db.WithContext(c.Request.Context()).
		Preload("LocalizedAttributes").
		Preload("Screenshots").
		Where("script_id = ?", scriptID).
		Order("created_at DESC, id DESC").
		First(&version).Error
	if err != nil {
		return nil, err
	}
	return &version, nil
}

func (s *SiteModule) index(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}

	query := listable(s.db.WithContext(c.Request.Context()).Model(&models.Script{}))
	if q := strings.TrimSpace(c.Query("q")); q != "" {
		query = query.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(q)+"%")
	}
	if language := c.Query("language"); language != "" {
		query = query.Where("language = ?", language)
	}
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error loading scripts"})
		return
	}

	var list []models.Script
	err := query.
		Preload("Authors.Account").
		Order("updated_at DESC, id DESC").
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Find(&list).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error loading scripts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scripts": list,
		"total":   total,
		"page":    page,
	})
}

// popular lists the most installed public scripts of the last days days.
func (s *SiteModule) popular(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))
	if days < 1 || days > 365 {
		days = 7
	}

	top := s.analytics.TopScripts(analytics.EventInstall, days, pageSize)
	ids := make([]int, 0, len(top))
	for _, t := range top {
		ids = append(ids, t.ScriptID)
	}

	var list []models.Script
	if len(ids) > 0 {
		err := listable(s.db.WithContext(c.Request.Context())).
			Preload("Authors.Account").
			Where("id IN ?", ids).
			Find(&list).Error
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Error loading scripts"})
			return
		}
	}
	byID := make(map[int]*models.Script, len(list))
	for i := range list {
		byID[list[i].ID] = &list[i]
	}

	type entry struct {
		Script   *models.Script `json:"script"`
		Installs int64          `json:"installs"`
	}
	entries := make([]entry, 0, len(top))
	for _, t := range top {
		if script, ok := byID[t.ScriptID]; ok {
			entries = append(entries, entry{Script: script, Installs: t.Count})
		}
	}

	c.JSON(http.StatusOK, gin.H{"scripts": entries, "days": days})
}

func (s *SiteModule) show(c *gin.Context) {
	script, ok := s.loadScript(c)
	if !ok {
		return
	}

	body := gin.H{
		"script":        script,
		"installs":      s.analytics.Count(script.ID, analytics.EventInstall),
		"update_checks": s.analytics.Count(script.ID, analytics.EventUpdateCheck),
		"code_url":      s.codePath(script),
	}

	version, err := s.newestVersion(c, script.ID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if version != nil {
		text, markup := scripts.AdditionalInfo(version)
		body["additional_info"] = scripts.RenderMarkup(text, markup)
		body["screenshots"] = version.Screenshots
	}

	c.JSON(http.StatusOK, body)
}

func (s *SiteModule) stats(c *gin.Context) {
	script, ok := s.loadScript(c)
	if !ok {
		return
	}

	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	if days < 1 || days > 365 {
		days = 30
	}

	c.JSON(http.StatusOK, gin.H{
		"script_id":     script.ID,
		"installs":      s.analytics.ByDay(script.ID, analytics.EventInstall, days),
		"update_checks": s.analytics.ByDay(script.ID, analytics.EventUpdateCheck, days),
	})
}

func (s *SiteModule) codePath(script *models.Script) string {
	ext := ".user.js"
	if script.Language == scripts.LanguageCSS {
		ext = ".user.css"
	}
	return "/scripts/" + strconv.Itoa(script.ID) + "/code/" + url.PathEscape(strings.Join(strings.Fields(script.Name), "-")) + ext
}

// codeEvent classifies a served file name. Install URLs end in .user.js or
// .user.css, update checks in .meta.js or .meta.css.
func codeEvent(name string) (string, bool) {
	switch {
	case strings.HasSuffix(name, ".user.js"), strings.HasSuffix(name, ".user.css"):
		return analytics.EventInstall, true
	case strings.HasSuffix(name, ".meta.js"), strings.HasSuffix(name, ".meta.css"):
		return analytics.EventUpdateCheck, true
	}
	return "", false
}

// trackInstall counts the download before the cache can answer it.
func (s *SiteModule) trackInstall(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("scriptID"))
	if err != nil {
		c.Next()
		return
	}
	event, ok := codeEvent(c.Param("name"))
	if !ok {
		c.Next()
		return
	}

	var live int64
	s.db.WithContext(c.Request.Context()).Model(&models.Script{}).
		Where("id = ? AND delete_type IS NULL", id).Count(&live)
	if live > 0 {
		s.analytics.Track(c, id, event)
	}
	c.Next()
}

func (s *SiteModule) code(c *gin.Context) {
	event, ok := codeEvent(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown file"})
		return
	}

	id, err := strconv.Atoi(c.Param("scriptID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid scriptID"})
		return
	}

	var script models.Script
	if err := s.db.WithContext(c.Request.Context()).First(&script, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Script not found"})
		return
	}

	version, err := s.newestVersion(c, script.ID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Script has no code"})
		return
	}

	// Blanked scripts keep only their meta block so installed copies stop
	// running. Kept deletions still serve updates to existing users.
	body := version.Code
	if event == analytics.EventUpdateCheck || (script.DeleteType != nil && *script.DeleteType == models.DeleteTypeBlanked) {
		body = scripts.MetaBlock(version.Code, script.Language)
	}

	c.Data(http.StatusOK, contentType(c.Param("name")), []byte(body))
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".css") {
		return "text/css; charset=utf-8"
	}
	return "text/javascript; charset=utf-8"
}

func (s *SiteModule) sitemap(c *gin.Context) {
	var sitemap strings.Builder
	sitemap.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	sitemap.WriteString("\n")
	sitemap.WriteString(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	sitemap.WriteString("\n")

	sitemap.WriteString("  <url>\n")
	sitemap.WriteString("    <loc>" + s.domain + "/</loc>\n")
	sitemap.WriteString("    <changefreq>daily</changefreq>\n")
	sitemap.WriteString("    <priority>1.0</priority>\n")
	sitemap.WriteString("  </url>\n")

	var list []models.Script
	listable(s.db.WithContext(c.Request.Context())).Order("id ASC").Find(&list)

	for _, script := range list {
		sitemap.WriteString("  <url>\n")
		sitemap.WriteString("    <loc>" + s.domain + "/scripts/" + strconv.Itoa(script.ID) + "</loc>\n")
		sitemap.WriteString("    <lastmod>" + script.UpdatedAt.Format(time.RFC3339) + "</lastmod>\n")
		sitemap.WriteString("    <changefreq>weekly</changefreq>\n")
		sitemap.WriteString("    <priority>0.7</priority>\n")
		sitemap.WriteString("  </url>\n")
	}

	sitemap.WriteString("</urlset>\n")

	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.String(http.StatusOK, sitemap.String())
}
