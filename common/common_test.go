package common

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	err := NewError(KindConflict, WithMessage("script would have no versions"))
	wrapped := fmt.Errorf("deleting version: %w", err)

	assert.True(t, errors.Is(wrapped, ErrConflict))
	assert.False(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, http.StatusConflict, HTTPStatus(wrapped))
	assert.Equal(t, "script would have no versions", err.Error())

	assert.Equal(t, KindInternal, KindOf(errors.New("disk on fire")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("disk on fire")))
}

func TestReadOnlyMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	readOnly := true
	router := gin.New()
	router.Use(ReadOnlyMiddleware(func() bool { return readOnly }))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	readOnly = false
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(0, 2)

	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"))
}

func TestRateLimiter_BoundedKeys(t *testing.T) {
	limiter := newRateLimiter(0, 1, 2, time.Hour)

	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))

	for i := 0; i < 100; i++ {
		limiter.Allow("ip-" + strconv.Itoa(i))
	}
	assert.Equal(t, 2, limiter.Keys())
	assert.True(t, limiter.Allow("a"), "evicted keys start with a full bucket")
}

func TestRateLimiter_IdleKeysExpire(t *testing.T) {
	limiter := newRateLimiter(0, 1, 10, 20*time.Millisecond)

	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))
	assert.Eventually(t, func() bool { return limiter.Keys() == 0 }, time.Second, 10*time.Millisecond)
	assert.True(t, limiter.Allow("a"))
}

func TestSetupSlog(t *testing.T) {
	var buf bytes.Buffer
	logger, err := SetupSlog(&buf, "debug", "json")
	require.NoError(t, err)

	logger.Debug("hello", "k", 1)
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	_, err = SetupSlog(&buf, "loud", "json")
	assert.Error(t, err)
	_, err = SetupSlog(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestConnectDb_Memory(t *testing.T) {
	db, err := ConnectDb("sqlite://:memory:", 5)
	require.NoError(t, err)
	require.NoError(t, db.Exec("SELECT 1").Error)

	_, err = ConnectDb("mysql://nope", 1)
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "postgres://***@db:5432/x", redactURL("postgres://user:pw@db:5432/x"))
	assert.Equal(t, "sqlite://a.db", redactURL("sqlite://a.db"))
}
