// File: internal/session/mocks_test.go
package session

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/device"
	"github.com/xkilldash9x/droidprobe/internal/reasoner"
	"github.com/xkilldash9x/droidprobe/internal/vocabulary"
)

// -- Observer Mock --

type mockObserver struct {
	mock.Mock
}

func (m *mockObserver) Observe(ctx context.Context) (*schemas.Observation, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.Observation), args.Error(1)
}

// -- Executor Mock --

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, action vocabulary.ValidatedAction) (*device.Outcome, error) {
	args := m.Called(ctx, action)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*device.Outcome), args.Error(1)
}

// -- Planner Mock --

type mockPlanner struct {
	mock.Mock
}

func (m *mockPlanner) PlanNext(ctx context.Context, req reasoner.PlanRequest) (reasoner.Decision, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(reasoner.Decision), args.Error(1)
}

// -- Verifier Mock --

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Check(ctx context.Context, claim string, obs *schemas.Observation, screenshot []byte, extraContext string) (reasoner.Verdict, error) {
	args := m.Called(ctx, claim, obs, screenshot, extraContext)
	return args.Get(0).(reasoner.Verdict), args.Error(1)
}
