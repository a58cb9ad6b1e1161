package cache

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteReadInvalidate(t *testing.T) {
	store := NewStore(t.TempDir())

	require.NoError(t, store.Write(7, "sample.user.js", []byte("code")))

	content, ok := store.Read(7, "sample.user.js", time.Minute)
	assert.True(t, ok)
	assert.Equal(t, "code", string(content))

	_, ok = store.Read(7, "sample.user.js", -time.Second)
	assert.False(t, ok, "expired")

	require.NoError(t, store.Invalidate(7))
	_, ok = store.Read(7, "sample.user.js", time.Minute)
	assert.False(t, ok)

	assert.NoError(t, store.Invalidate(99), "missing scripts are fine")
}

func TestStore_ClearOld(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Write(1, "a.user.js", []byte("a")))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(store.Path(1, "a.user.js"), old, old))

	require.NoError(t, store.ClearOld(time.Hour))
	_, err := os.Stat(store.Path(1, "a.user.js"))
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, NewStore(t.TempDir()+"/missing").ClearOld(time.Hour))
}

func TestExtractFromPath(t *testing.T) {
	id, name, ok := extractFromPath("/scripts/12/code/thing.user.js")
	assert.True(t, ok)
	assert.Equal(t, 12, id)
	assert.Equal(t, "thing.user.js", name)

	_, _, ok = extractFromPath("/scripts/12")
	assert.False(t, ok)
	_, _, ok = extractFromPath("/scripts/abc/code/x.js")
	assert.False(t, ok)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewStore(t.TempDir())

	calls := 0
	router := gin.New()
	router.Use(store.Middleware(time.Minute))
	router.GET("/scripts/:id/code/:name", func(c *gin.Context) {
		calls++
		c.Data(http.StatusOK, "text/javascript; charset=utf-8", []byte("alert(1)"))
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/scripts/3/code/a.user.js", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "alert(1)", w.Body.String())
	}
	assert.Equal(t, 1, calls)

	require.NoError(t, store.Invalidate(3))
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/scripts/3/code/a.user.js", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, 2, calls)
}
