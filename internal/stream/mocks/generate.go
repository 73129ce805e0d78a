//go:generate mockgen -destination=mock_ws.go -package=mocks github.com/alejoacosta74/botstream/internal/ws Dialer,Conn

package mocks
