package handlers

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/upb/llm-resilience/services/providers"
	"github.com/upb/llm-resilience/services/ratelimit"
	"github.com/upb/llm-resilience/services/retry"
	"github.com/upb/llm-resilience/services/routing"
)

// MockChatService is a mock implementation of ChatService
type MockChatService struct {
	mock.Mock
}

func (m *MockChatService) Chat(ctx context.Context, req *providers.ChatRequest, onProgress func(string)) (*routing.ChatOutcome, error) {
	args := m.Called(ctx, req, onProgress)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*routing.ChatOutcome), args.Error(1)
}

// MockProviderService is a mock implementation of ProviderService
type MockProviderService struct {
	mock.Mock
}

func (m *MockProviderService) TestConnection(ctx context.Context, id string) routing.ConnectionResult {
	return m.Called(ctx, id).Get(0).(routing.ConnectionResult)
}

func (m *MockProviderService) CheckAll(ctx context.Context) map[string]routing.ConnectionResult {
	return m.Called(ctx).Get(0).(map[string]routing.ConnectionResult)
}

func (m *MockProviderService) ProviderHealth() map[string]bool {
	return m.Called().Get(0).(map[string]bool)
}

func (m *MockProviderService) Circuits() map[string]retry.Snapshot {
	return m.Called().Get(0).(map[string]retry.Snapshot)
}

func (m *MockProviderService) Limits() map[string]ratelimit.Stats {
	return m.Called().Get(0).(map[string]ratelimit.Stats)
}

func (m *MockProviderService) Reset() {
	m.Called()
}

type fixedReadiness bool

func (r fixedReadiness) Ready() bool { return bool(r) }
