// File: internal/mocks/mocks.go

// Package mocks provides hand-rolled testify mocks for the interfaces shared
// across package boundaries. Package-local fakes stay next to their tests;
// only mocks needed by more than one package live here.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/droidprobe/api/schemas"
)

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

// Generate provides a mock function for LLM calls.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// Close provides a mock function for client teardown.
func (m *MockLLMClient) Close() error {
	return m.Called().Error(0)
}

// -- Screen Observer Mock --

// MockObserver mocks the device.Observer / session observation source.
type MockObserver struct {
	mock.Mock
}

// Observe provides a mock function for screen capture.
func (m *MockObserver) Observe(ctx context.Context) (*schemas.Observation, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.Observation), args.Error(1)
}
