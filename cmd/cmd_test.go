package cmd

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/alejoacosta74/botstream/internal/registry"
	"github.com/alejoacosta74/botstream/internal/stream"
	wstest "github.com/alejoacosta74/botstream/internal/ws/test"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamConfig(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	assert.Equal(t, stream.DefaultConfig(), streamConfig(v))

	v.Set(keyHost, "bots.example.com")
	v.Set(keySecure, true)
	v.Set(keyBaseDelay, "500ms")
	v.Set(keyMaxReconnectAttempts, 3)

	cfg := streamConfig(v)
	assert.Equal(t, "bots.example.com", cfg.Host)
	assert.True(t, cfg.Secure)
	assert.Equal(t, 500*time.Millisecond, cfg.BaseDelay)
	assert.Equal(t, 3, cfg.MaxReconnectAttempts)
}

func TestStreamConfig_PongTimeoutFollowsHeartbeat(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]interface{}
		expected time.Duration
	}{
		{
			name:     "unset follows the heartbeat",
			settings: map[string]interface{}{keyHeartbeatInterval: "60s"},
			expected: 2 * time.Minute,
		},
		{
			name: "explicit value wins",
			settings: map[string]interface{}{
				keyHeartbeatInterval: "60s",
				keyPongTimeout:       "90s",
			},
			expected: 90 * time.Second,
		},
		{
			name: "explicit zero disables it",
			settings: map[string]interface{}{
				keyHeartbeatInterval: "60s",
				keyPongTimeout:       "0s",
			},
			expected: stream.NoPongTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			setDefaults(v)
			for k, val := range tt.settings {
				v.Set(k, val)
			}
			assert.Equal(t, tt.expected, streamConfig(v).PongTimeout)
		})
	}
}

func TestConfigReloadHooks(t *testing.T) {
	v := viper.New()
	v.Set(keyMaxReconnectAttempts, 8)

	var got []int
	remove := onConfigReload(func(v *viper.Viper) {
		got = append(got, v.GetInt(keyMaxReconnectAttempts))
	})

	runConfigHooks(v)
	remove()
	runConfigHooks(v)

	assert.Equal(t, []int{8}, got)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "botstream dev")
}

func TestStatusCommand_AgainstBackend(t *testing.T) {
	srv := wstest.NewMockBotServer(wstest.WithValidToken("good"))
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{
		"status", "--bot", "7", "--json", "--timeout", "5s",
		"--host", srv.Host(), "--token", "good", "--log-level", "error",
	})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())

	var report statusReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 7, report.BotID)
	assert.Equal(t, "bot-7", report.BotName)
	assert.Equal(t, registry.StatusConnected, report.Record.Status)
	assert.Equal(t, []int{7}, report.Record.ConnectedBotIDs)
	assert.Empty(t, report.Error)
}
