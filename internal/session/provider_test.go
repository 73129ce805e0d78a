package session

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider("")
	_, ok := p.CurrentAuthToken()
	assert.False(t, ok)

	p.SetToken("abc")
	token, ok := p.CurrentAuthToken()
	assert.True(t, ok)
	assert.Equal(t, "abc", token)
}

func TestViperProvider(t *testing.T) {
	v := viper.New()
	p := NewViperProvider(v, "auth.token")

	_, ok := p.CurrentAuthToken()
	assert.False(t, ok)

	v.Set("auth.token", "  rotated  ")
	token, ok := p.CurrentAuthToken()
	assert.True(t, ok)
	assert.Equal(t, "rotated", token)

	v.Set("auth.token", "   ")
	_, ok = p.CurrentAuthToken()
	assert.False(t, ok, "blank token counts as logged out")
}
