package cache

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

type responseWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Middleware caches served script code (/scripts/:id/code/:name).
func (s *Store) Middleware(maxAge time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		scriptID, name, ok := extractFromPath(c.Request.URL.Path)
		if !ok {
			c.Next()
			return
		}

		if cached, found := s.Read(scriptID, name, maxAge); found {
			c.Header("X-Cache", "HIT")
			c.Data(http.StatusOK, contentType(name), cached)
			c.Abort()
			return
		}

		c.Header("X-Cache", "MISS")

		writer := &responseWriter{
			ResponseWriter: c.Writer,
			body:           bytes.NewBuffer(nil),
		}
		c.Writer = writer

		c.Next()

		if c.Writer.Status() == http.StatusOK {
			s.Write(scriptID, name, writer.body.Bytes())
		}
	}
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".css") {
		return "text/css; charset=utf-8"
	}
	return "text/javascript; charset=utf-8"
}

// extractFromPath pulls the script id and file name from
// /scripts/<id>/code/<name>
func extractFromPath(path string) (int, string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 4 || parts[0] != "scripts" || parts[2] != "code" || parts[3] == "" {
		return 0, "", false
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", false
	}
	return id, parts[3], true
}
