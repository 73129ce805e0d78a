package cmd

import (
	"github.com/alejoacosta74/botstream/internal/kafka"
	"github.com/alejoacosta74/botstream/internal/stream"
	"github.com/spf13/viper"
)

// Configuration keys
const (
	keyHost                 = "server.host"
	keySecure               = "server.secure"
	keyToken                = "auth.token"
	keyHeartbeatInterval    = "stream.heartbeat_interval"
	keyPongTimeout          = "stream.pong_timeout"
	keyBaseDelay            = "stream.base_delay"
	keyMaxReconnectAttempts = "stream.max_reconnect_attempts"
	keyHandshakeTimeout     = "stream.handshake_timeout"
	keyWriteTimeout         = "stream.write_timeout"
	keyMetricsAddr          = "metrics.addr"
	keyKafkaBrokers         = "kafka.brokers"
	keyKafkaTopic           = "kafka.topic"
	keyStatsInterval        = "stats.interval"
)

func setDefaults(v *viper.Viper) {
	def := stream.DefaultConfig()
	v.SetDefault(keyHost, def.Host)
	v.SetDefault(keySecure, def.Secure)
	v.SetDefault(keyHeartbeatInterval, def.HeartbeatInterval)
	v.SetDefault(keyBaseDelay, def.BaseDelay)
	v.SetDefault(keyMaxReconnectAttempts, def.MaxReconnectAttempts)
	v.SetDefault(keyHandshakeTimeout, def.HandshakeTimeout)
	v.SetDefault(keyWriteTimeout, def.WriteTimeout)
	v.SetDefault(keyKafkaTopic, kafka.DefaultTopic)
}

// streamConfig builds the manager settings from v. An unset pong timeout
// follows the heartbeat at twice its interval; an explicit 0 disables it.
func streamConfig(v *viper.Viper) stream.Config {
	heartbeat := v.GetDuration(keyHeartbeatInterval)
	pongTimeout := 2 * heartbeat
	if v.IsSet(keyPongTimeout) {
		pongTimeout = v.GetDuration(keyPongTimeout)
		if pongTimeout <= 0 {
			pongTimeout = stream.NoPongTimeout
		}
	}

	return stream.Config{
		Host:                 v.GetString(keyHost),
		Secure:               v.GetBool(keySecure),
		HeartbeatInterval:    heartbeat,
		PongTimeout:          pongTimeout,
		BaseDelay:            v.GetDuration(keyBaseDelay),
		MaxReconnectAttempts: v.GetInt(keyMaxReconnectAttempts),
		HandshakeTimeout:     v.GetDuration(keyHandshakeTimeout),
		WriteTimeout:         v.GetDuration(keyWriteTimeout),
	}
}
