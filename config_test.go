package mango

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientConfig_Defaults(t *testing.T) {
	cfg := ClientConfig{}
	assert.Equal(t, 256, cfg.cacheSize())
	assert.Equal(t, 3, cfg.maxRetries())
	assert.Equal(t, 10*time.Minute, cfg.sessionDuration())
}

func TestClientConfig_ExplicitValuesWin(t *testing.T) {
	cfg := ClientConfig{
		QueryCacheSize:  16,
		MaxRetries:      5,
		SessionDuration: time.Minute,
	}
	assert.Equal(t, 16, cfg.cacheSize())
	assert.Equal(t, 5, cfg.maxRetries())
	assert.Equal(t, time.Minute, cfg.sessionDuration())
}
