//go:generate mockgen -source=../provider.go -destination=mock_provider.go -package=mocks

package mocks
