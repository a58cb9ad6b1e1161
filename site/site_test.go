package site

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"scriptorium/analytics"
	"scriptorium/cache"
	"scriptorium/common"
	"scriptorium/models"
	"scriptorium/testutils"
)

func setupTestRouter(t *testing.T, db *gorm.DB, viewer *models.Account) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if viewer != nil {
			c.Set(common.AccountKey, viewer)
			c.Set(common.AccountIDKey, viewer.ID)
		}
		c.Next()
	})

	NewSiteModule(db, "https://scripts.example/", analytics.NewAnalyticsModule(db), cache.NewStore(t.TempDir())).RegisterRoutes(router)
	return router
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func deleteScript(t *testing.T, db *gorm.DB, script *models.Script, deleteType int) {
	t.Helper()
	require.NoError(t, db.Model(script).Update("delete_type", deleteType).Error)
}

func TestIndex_ListsOnlyPublicLiveScripts(t *testing.T) {
	db := testutils.SetupTestDB(t)
	author := testutils.CreateAccount(t, db, "alice")

	testutils.CreateScript(t, db, author, "Visible")
	unlisted := testutils.CreateScript(t, db, author, "Unlisted")
	require.NoError(t, db.Model(unlisted).Update("script_type", models.ScriptTypeUnlisted).Error)
	deleteScript(t, db, testutils.CreateScript(t, db, author, "Gone"), models.DeleteTypeKeep)
	pending := testutils.CreateScript(t, db, author, "Pending")
	require.NoError(t, db.Model(pending).Update("review_state", models.ReviewStateRequired).Error)

	router := setupTestRouter(t, db, nil)
	w := get(router, "/scripts")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Total   int64 `json:"total"`
		Scripts []struct {
			Name string `json:"name"`
		} `json:"scripts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Total)
	require.Len(t, body.Scripts, 1)
	assert.Equal(t, "Visible", body.Scripts[0].Name)

	w = get(router, "/scripts?q=nothing-matches")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Zero(t, body.Total)
}

func TestShow_HidesDeletedScripts(t *testing.T) {
	db := testutils.SetupTestDB(t)
	author := testutils.CreateAccount(t, db, "alice")
	stranger := testutils.CreateAccount(t, db, "bob")
	mod := testutils.CreateModerator(t, db, "mod")
	script := testutils.CreateScript(t, db, author, "Tool")
	path := "/scripts/" + strconv.Itoa(script.ID)

	w := get(setupTestRouter(t, db, nil), path)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"code_url":"/scripts/`+strconv.Itoa(script.ID)+`/code/Tool.user.js"`)

	deleteScript(t, db, script, models.DeleteTypeKeep)

	tests := []struct {
		name   string
		viewer *models.Account
		status int
	}{
		{"anonymous", nil, http.StatusNotFound},
		{"stranger", stranger, http.StatusNotFound},
		{"author", author, http.StatusOK},
		{"moderator", mod, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(setupTestRouter(t, db, tt.viewer), path)
			assert.Equal(t, tt.status, w.Code)
		})
	}

	assert.Equal(t, http.StatusNotFound, get(setupTestRouter(t, db, nil), "/scripts/999").Code)
}

func TestPopular_RanksRecentInstalls(t *testing.T) {
	db := testutils.SetupTestDB(t)
	author := testutils.CreateAccount(t, db, "alice")
	first := testutils.CreateScript(t, db, author, "First")
	second := testutils.CreateScript(t, db, author, "Second")
	gone := testutils.CreateScript(t, db, author, "Gone")
	deleteScript(t, db, gone, models.DeleteTypeKeep)

	install := func(script *models.Script, visitor string, at time.Time) {
		require.NoError(t, db.Create(&analytics.InstallEvent{
			ScriptID:  script.ID,
			VisitorID: visitor,
			Event:     analytics.EventInstall,
			IP:        "127.0.0.1",
			CreatedAt: at,
		}).Error)
	}
	now := time.Now()
	install(first, "a", now)
	install(first, "b", now)
	install(second, "a", now)
	for _, v := range []string{"a", "b", "c"} {
		install(gone, v, now)
	}
	for _, v := range []string{"c", "d", "e"} {
		install(second, v, now.AddDate(0, 0, -30))
	}

	w := get(setupTestRouter(t, db, nil), "/scripts/popular")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Scripts []struct {
			Script struct {
				ID int `json:"id"`
			} `json:"script"`
			Installs int64 `json:"installs"`
		} `json:"scripts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Scripts, 2)
	assert.Equal(t, first.ID, body.Scripts[0].Script.ID)
	assert.Equal(t, int64(2), body.Scripts[0].Installs)
	assert.Equal(t, second.ID, body.Scripts[1].Script.ID)
	assert.Equal(t, int64(1), body.Scripts[1].Installs)
}

func TestCode_ServesAndCountsInstalls(t *testing.T) {
	db := testutils.SetupTestDB(t)
	author := testutils.CreateAccount(t, db, "alice")
	script := testutils.CreateScript(t, db, author, "Tool", "1.0", "1.1")
	router := setupTestRouter(t, db, nil)
	base := "/scripts/" + strconv.Itoa(script.ID) + "/code/"

	w := get(router, base+"Tool.user.js")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, testutils.UserScript("Tool", "1.1"), w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/javascript")

	w = get(router, base+"Tool.user.js")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))

	w = get(router, base+"Tool.meta.js")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "// @version     1.1")
	assert.NotContains(t, w.Body.String(), "console.log")

	tracker := analytics.NewAnalyticsModule(db)
	assert.Equal(t, int64(2), tracker.Count(script.ID, analytics.EventInstall), "one per anonymous request")
	assert.Equal(t, int64(1), tracker.Count(script.ID, analytics.EventUpdateCheck))

	assert.Equal(t, http.StatusNotFound, get(router, base+"Tool.txt").Code)
	assert.Equal(t, http.StatusNotFound, get(router, "/scripts/999/code/x.user.js").Code)
}

func TestCode_BlankedScriptsServeOnlyMeta(t *testing.T) {
	db := testutils.SetupTestDB(t)
	author := testutils.CreateAccount(t, db, "alice")
	script := testutils.CreateScript(t, db, author, "Tool")
	deleteScript(t, db, script, models.DeleteTypeBlanked)
	router := setupTestRouter(t, db, nil)

	w := get(router, "/scripts/"+strconv.Itoa(script.ID)+"/code/Tool.user.js")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "==UserScript==")
	assert.NotContains(t, w.Body.String(), "console.log")

	assert.Zero(t, analytics.NewAnalyticsModule(db).Count(script.ID, analytics.EventInstall))
}

func TestSitemap(t *testing.T) {
	db := testutils.SetupTestDB(t)
	author := testutils.CreateAccount(t, db, "alice")
	visible := testutils.CreateScript(t, db, author, "Visible")
	gone := testutils.CreateScript(t, db, author, "Gone")
	deleteScript(t, db, gone, models.DeleteTypeKeep)

	w := get(setupTestRouter(t, db, nil), "/sitemap.xml")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/xml")
	assert.Contains(t, w.Body.String(), "<loc>https://scripts.example/</loc>")
	assert.Contains(t, w.Body.String(), "<loc>https://scripts.example/scripts/"+strconv.Itoa(visible.ID)+"</loc>")
	assert.NotContains(t, w.Body.String(), "/scripts/"+strconv.Itoa(gone.ID)+"<")
}
