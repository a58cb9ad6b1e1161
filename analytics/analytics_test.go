package analytics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"scriptorium/analytics"
	"scriptorium/testutils"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setupRouter(t *testing.T) (*gorm.DB, *gin.Engine, *clock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutils.SetupTestDB(t)
	clk := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	a := analytics.NewAnalyticsModule(db).WithClock(clk.now)

	router := gin.New()
	router.GET("/install/:event", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"recorded": a.Track(c, 7, c.Param("event"))})
	})
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"total": a.Count(7, analytics.EventInstall),
			"days":  a.ByDay(7, analytics.EventInstall, 3),
			"top":   a.TopScripts(analytics.EventInstall, 7, 5),
		})
	})
	return db, router, clk
}

func hit(router *gin.Engine, path string, cookies []*http.Cookie, header map[string]string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest("GET", path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestTrack_ThrottlesPerVisitor(t *testing.T) {
	db, router, clk := setupRouter(t)

	w := hit(router, "/install/install", nil, map[string]string{
		"User-Agent":      "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0",
		"Accept-Language": "pt-BR,pt;q=0.9",
		"X-Forwarded-For": "203.0.113.9, 10.0.0.1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"recorded":true`)
	visitor := w.Result().Cookies()
	require.NotEmpty(t, visitor)

	w = hit(router, "/install/install", visitor, nil)
	assert.Contains(t, w.Body.String(), `"recorded":false`)

	// A different event type is counted separately.
	w = hit(router, "/install/"+analytics.EventUpdateCheck, visitor, nil)
	assert.Contains(t, w.Body.String(), `"recorded":true`)

	clk.t = clk.t.Add(analytics.ThrottleWindow + time.Minute)
	w = hit(router, "/install/install", visitor, nil)
	assert.Contains(t, w.Body.String(), `"recorded":true`)

	var first analytics.InstallEvent
	require.NoError(t, db.Order("id ASC").First(&first).Error)
	assert.Equal(t, 7, first.ScriptID)
	assert.Equal(t, "203.0.113.9", first.IP)
	require.NotNil(t, first.Browser)
	assert.Equal(t, "Firefox", *first.Browser)
	require.NotNil(t, first.Language)
	assert.Equal(t, "pt-BR", *first.Language)

	var count int64
	db.Model(&analytics.InstallEvent{}).Count(&count)
	assert.Equal(t, int64(3), count)
}

func TestTrack_NewVisitorsAreCountedSeparately(t *testing.T) {
	db, router, _ := setupRouter(t)

	hit(router, "/install/install", nil, nil)
	hit(router, "/install/install", nil, map[string]string{"User-Agent": "Chrome/120"})

	var count int64
	db.Model(&analytics.InstallEvent{}).Count(&count)
	assert.Equal(t, int64(2), count)
}

func TestStats(t *testing.T) {
	db, router, _ := setupRouter(t)
	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	events := []analytics.InstallEvent{
		{ScriptID: 7, VisitorID: "a", Event: analytics.EventInstall, IP: "1", CreatedAt: day},
		{ScriptID: 7, VisitorID: "b", Event: analytics.EventInstall, IP: "1", CreatedAt: day},
		{ScriptID: 7, VisitorID: "c", Event: analytics.EventInstall, IP: "1", CreatedAt: day.AddDate(0, 0, -2)},
		{ScriptID: 7, VisitorID: "d", Event: analytics.EventUpdateCheck, IP: "1", CreatedAt: day},
		{ScriptID: 8, VisitorID: "a", Event: analytics.EventInstall, IP: "1", CreatedAt: day},
	}
	require.NoError(t, db.Create(&events).Error)

	w := hit(router, "/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"total":3`)
	assert.Contains(t, body, `{"date":"2026-03-08","count":1},{"date":"2026-03-09","count":0},{"date":"2026-03-10","count":2}`)
	assert.Contains(t, body, `"top":[{"script_id":7,"count":3},{"script_id":8,"count":1}]`)
}

func TestNilModule(t *testing.T) {
	var a *analytics.AnalyticsModule
	assert.Zero(t, a.Count(1, analytics.EventInstall))
	assert.Empty(t, a.ByDay(1, analytics.EventInstall, 3))
	assert.Nil(t, analytics.NewAnalyticsModule(nil))
}
