package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)

	c := DefaultConfig()
	c.Redis.Session.Addrs = []string{mr.Addr()}
	c.Redis.Leaderboard.Addrs = []string{mr.Addr()}
	c.Redis.Pubsub.Addrs = []string{mr.Addr()}
	c.Game.Seed = 42

	s, err := Init(c)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)

	tests := map[string]struct {
		method   string
		path     string
		body     string
		wantCode int
	}{
		"metrics are exposed": {
			method:   http.MethodGet,
			path:     "/metrics",
			wantCode: http.StatusOK,
		},
		"players fall back to memory": {
			method:   http.MethodPost,
			path:     "/api/players",
			body:     `{"username":"ana"}`,
			wantCode: http.StatusCreated,
		},
		"sessions are served": {
			method:   http.MethodGet,
			path:     "/api/sessions",
			wantCode: http.StatusOK,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			s.http.Handler.ServeHTTP(w, req)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}
}

func TestInit_RedisUnreachable(t *testing.T) {
	c := DefaultConfig()
	c.Redis.Session.Addrs = []string{"127.0.0.1:1"}

	_, err := Init(c)
	assert.ErrorContains(t, err, "redis")
}
