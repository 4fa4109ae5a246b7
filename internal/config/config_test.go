package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Equal(t, nil, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "http://localhost:9090/events", cfg.Channel.Target)
	assert.Equal(t, cfg.Channel.Target, cfg.Channel.BaseURL)
	assert.Equal(t, "scripts", cfg.ScriptsDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 1, cfg.Download.RateBurst)
}

func TestLoadJSONWithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	data := `{
		// where events go
		"channel": {"target": " http://example.test/events "},
		"download": {"rate_limit": 5, "rate_burst": 2,},
		"mqtt": {"enabled": true, "topic_prefix": "page/"},
		/* scripts */
		"script_timeout": "250ms"
	}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, "http://example.test/events", cfg.Channel.Target)
	assert.Equal(t, 5.0, cfg.Download.RateLimit)
	assert.Equal(t, 2, cfg.Download.RateBurst)
	assert.Equal(t, true, cfg.MQTT.Enabled)
	assert.Equal(t, "page", cfg.MQTT.TopicPrefix)

	d, err := cfg.ScriptTimeoutDuration()
	assert.Equal(t, nil, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestParseYAML(t *testing.T) {
	data := `
server:
  listen: "127.0.0.1:9000"
  allowed_origins: ["http://localhost:3000"]
channel:
  target: http://example.test/events
  base_url: http://cdn.example.test/
document:
  page: index.html
  sanitize: true
log:
  level: DEBUG
`
	cfg, err := Parse([]byte(data), ".yml")
	assert.Equal(t, nil, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "http://cdn.example.test/", cfg.Channel.BaseURL)
	assert.Equal(t, true, cfg.Document.Sanitize)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad target", `{"channel": {"target": "not a url"}}`},
		{"negative rate", `{"download": {"rate_limit": -1}}`},
		{"bad script timeout", `{"script_timeout": "soon"}`},
		{"bad level", `{"log": {"level": "loud"}}`},
		{"not json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), ".json")
			assert.NotEqual(t, nil, err)
		})
	}
}

func TestSetTarget(t *testing.T) {
	cfg, err := Parse([]byte(`{"channel": {"target": "http://a.test/events"}}`), ".json")
	assert.Equal(t, nil, err)
	cfg.SetTarget("http://b.test/events")
	assert.Equal(t, "http://b.test/events", cfg.Channel.Target)
	assert.Equal(t, "http://b.test/events", cfg.Channel.BaseURL)

	cfg, err = Parse([]byte(`{"channel": {"target": "http://a.test/events", "base_url": "http://cdn.test/"}}`), ".json")
	assert.Equal(t, nil, err)
	cfg.SetTarget("http://b.test/events")
	assert.Equal(t, "http://b.test/events", cfg.Channel.Target)
	assert.Equal(t, "http://cdn.test/", cfg.Channel.BaseURL)
}
