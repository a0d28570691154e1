package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLoopbackRemote(t *testing.T) {
	assert.True(t, IsLoopbackRemote("127.0.0.1:5000"))
	assert.True(t, IsLoopbackRemote("[::1]:5000"))
	assert.True(t, IsLoopbackRemote("127.1.2.3:80"))
	assert.True(t, IsLoopbackRemote("::1"))
	assert.False(t, IsLoopbackRemote("10.0.0.1:5000"))
	assert.False(t, IsLoopbackRemote("[2001:db8::1]:80"))
	assert.False(t, IsLoopbackRemote(""))
}

func TestLocalOnly(t *testing.T) {
	h := LocalOnly()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/commands", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/commands", nil)
	req.RemoteAddr = "192.168.1.9:4000"
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"code":403,"message":"local callers only"}`, rec.Body.String())
}
