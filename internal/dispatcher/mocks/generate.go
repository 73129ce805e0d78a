//go:generate mockgen -source=../dispatcher.go -destination=mock_message_handler.go -package=mocks

package mocks
