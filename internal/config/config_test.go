package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/podushkina/hrchat/internal/task"
	"github.com/podushkina/hrchat/internal/usage"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	for _, typ := range task.Types {
		assert.Equal(t, 1, cfg.Queues[typ].Concurrency)
		assert.Equal(t, -1, cfg.Queues[typ].RedisDB)
	}
}

func TestLoad_PerTypeOverrides(t *testing.T) {
	t.Setenv("QUEUE_CHAT_CONCURRENCY", "4")
	t.Setenv("QUEUE_QUESTION_GEN_DB", "2")
	t.Setenv("LIMIT_CHAT_BY_ACCOUNT", "7")
	t.Setenv("LIMIT_CHAT_UNIT", "Month")
	t.Setenv("MODEL_TIMEOUT", "90s")
	t.Setenv("LOG_JSON", "true")

	cfg := Load()

	assert.Equal(t, 4, cfg.Queues[task.TypeChat].Concurrency)
	assert.Equal(t, 2, cfg.Queues[task.TypeQuestionGen].RedisDB)
	assert.Equal(t, int64(7), cfg.Limits[task.TypeChat].LimitByAccount)
	assert.Equal(t, "Month", cfg.Limits[task.TypeChat].LimitUnit)
	assert.Equal(t, 90*time.Second, cfg.ModelTimeout)
	assert.True(t, cfg.LogJSON)
}

func TestGetEnvInt_InvalidFallsBack(t *testing.T) {
	t.Setenv("SOME_INT", "abc")
	assert.Equal(t, 5, getEnvInt("SOME_INT", 5))
}

func TestUsageLimits(t *testing.T) {
	t.Setenv("LIMIT_SUMMARY", "-1")
	t.Setenv("LIMIT_CHAT_BY_ACCOUNT", "-1")
	t.Setenv("LIMIT_TRANSLATE_UNIT", "Year")

	limits := Load().UsageLimits()

	_, ok := limits[task.TypeSummary]
	assert.False(t, ok)

	chat := limits[task.TypeChat]
	assert.Equal(t, int64(1000), chat.Limit)
	assert.Nil(t, chat.LimitByAccount)

	tr := limits[task.TypeTranslate]
	assert.Equal(t, usage.UnitYear, tr.LimitUnit)
	if assert.NotNil(t, tr.LimitByAccount) {
		assert.Equal(t, int64(100), *tr.LimitByAccount)
	}
}
