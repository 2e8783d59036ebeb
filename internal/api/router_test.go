package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorsOriginsByEnvironment(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	assert.Equal(t, []string{"*"}, corsOrigins("development"))
	assert.Equal(t, []string{"*"}, corsOrigins("production"), "unset allow-list falls back to the wildcard")

	t.Setenv("CORS_ALLOWED_ORIGINS", "https://huddle.example.com, https://admin.example.com ,")
	assert.Equal(t,
		[]string{"https://huddle.example.com", "https://admin.example.com"},
		corsOrigins("production"))

	// Development ignores the allow-list entirely.
	assert.Equal(t, []string{"*"}, corsOrigins("development"))
}
