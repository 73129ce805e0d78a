// Package session supplies the auth token used to open bot channels.
package session

import (
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Provider returns the token of the current login session. The second
// return value is false when no user is logged in.
type Provider interface {
	CurrentAuthToken() (string, bool)
}

// StaticProvider serves a fixed token that can be swapped at runtime
type StaticProvider struct {
	mu    sync.RWMutex
	token string
}

func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: token}
}

func (p *StaticProvider) CurrentAuthToken() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token, p.token != ""
}

// SetToken replaces the token, an empty token logs the session out.
func (p *StaticProvider) SetToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
}

// ViperProvider reads the token from a viper key on every call, so a token
// rotated in the watched config file is used by the next connect attempt.
type ViperProvider struct {
	v   *viper.Viper
	key string
}

// NewViperProvider reads key from v. A nil v uses the global viper instance.
func NewViperProvider(v *viper.Viper, key string) *ViperProvider {
	if v == nil {
		v = viper.GetViper()
	}
	return &ViperProvider{v: v, key: key}
}

func (p *ViperProvider) CurrentAuthToken() (string, bool) {
	token := strings.TrimSpace(p.v.GetString(p.key))
	return token, token != ""
}
