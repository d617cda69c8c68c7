package fanout

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		dev     bool
		origin  string
		want    bool
	}{
		{"empty allow-list accepts anything", nil, false, "https://evil.example", true},
		{"no origin header", []string{"https://viewer.example"}, false, "", true},
		{"listed origin", []string{"https://viewer.example"}, false, "https://viewer.example", true},
		{"listed origin is case-insensitive", []string{"https://Viewer.example/"}, false, "https://viewer.example", true},
		{"unlisted origin", []string{"https://viewer.example"}, false, "https://evil.example", false},
		{"localhost in development", []string{"https://viewer.example"}, true, "http://localhost:5173", true},
		{"localhost in production", []string{"https://viewer.example"}, false, "http://localhost:5173", false},
		{"loopback ip in development", []string{"https://viewer.example"}, true, "http://127.0.0.1:8080", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := NewCheckOrigin(tt.allowed, tt.dev)
			req := httptest.NewRequest("GET", "/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, check(req))
		})
	}
}
