package httputil

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{name: "remote addr", remoteAddr: "192.168.1.5:5000", want: "192.168.1.5"},
		{name: "remote addr without port", remoteAddr: "192.168.1.5", want: "192.168.1.5"},
		{name: "ipv6 remote", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{
			name:       "forwarded through local proxy",
			remoteAddr: "127.0.0.1:4000",
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.7, 127.0.0.1"},
			want:       "10.0.0.7",
		},
		{
			name:       "real ip through local proxy",
			remoteAddr: "[::1]:4000",
			headers:    map[string]string{"X-Real-IP": "10.0.0.8"},
			want:       "10.0.0.8",
		},
		{
			name:       "forwarded header from remote peer ignored",
			remoteAddr: "203.0.113.9:1234",
			headers:    map[string]string{"X-Forwarded-For": "10.0.0.7"},
			want:       "203.0.113.9",
		},
		{
			name:       "empty forwarded entry falls back",
			remoteAddr: "127.0.0.1:4000",
			headers:    map[string]string{"X-Forwarded-For": " , 10.0.0.7"},
			want:       "127.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/health", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}
