package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	"github.com/dattmumas/lnked-realtime/internal/core/ports"
)

// MockTransport is a mock implementation of ports.Transport
type MockTransport struct {
	mock.Mock
}

func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (m *MockTransport) Join(ctx context.Context, topic domain.TopicKey, opts ports.JoinOptions) (ports.Channel, error) {
	args := m.Called(ctx, topic, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.Channel), args.Error(1)
}

// MockChannel is a mock implementation of ports.Channel. Leave and Send go
// through testify; the registered handlers are kept so tests can drive
// inbound traffic with Emit, Fail and Close.
type MockChannel struct {
	mock.Mock

	topic domain.TopicKey

	mu      sync.Mutex
	onEvent func(ports.Message)
	onError func(error)
	onClose func(string)
}

func NewMockChannel(topic domain.TopicKey) *MockChannel {
	return &MockChannel{topic: topic}
}

func (m *MockChannel) Topic() domain.TopicKey {
	return m.topic
}

func (m *MockChannel) Leave(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockChannel) Send(ctx context.Context, event string, payload []byte) error {
	args := m.Called(ctx, event, payload)
	return args.Error(0)
}

func (m *MockChannel) OnEvent(handler func(ports.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = handler
}

func (m *MockChannel) OnError(handler func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = handler
}

func (m *MockChannel) OnClose(handler func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = handler
}

// Emit delivers msg to the registered event handler.
func (m *MockChannel) Emit(msg ports.Message) {
	m.mu.Lock()
	h := m.onEvent
	m.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

// Fail reports err to the registered error handler.
func (m *MockChannel) Fail(err error) {
	m.mu.Lock()
	h := m.onError
	m.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// Close reports a backend close to the registered close handler.
func (m *MockChannel) Close(reason string) {
	m.mu.Lock()
	h := m.onClose
	m.mu.Unlock()
	if h != nil {
		h(reason)
	}
}

// Bound reports whether the registry has registered its handlers.
func (m *MockChannel) Bound() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onEvent != nil
}

// MockAccessChecker is a mock implementation of ports.AccessChecker
type MockAccessChecker struct {
	mock.Mock
}

func NewMockAccessChecker() *MockAccessChecker {
	return &MockAccessChecker{}
}

func (m *MockAccessChecker) CanJoin(ctx context.Context, topic domain.TopicKey, actorID string) (bool, error) {
	args := m.Called(ctx, topic, actorID)
	return args.Bool(0), args.Error(1)
}

// MockCredentialProvider is a mock implementation of ports.CredentialProvider.
// Signals returns a buffered channel tests can push to with Emit.
type MockCredentialProvider struct {
	mock.Mock

	signals chan ports.CredentialSignal
}

func NewMockCredentialProvider() *MockCredentialProvider {
	return &MockCredentialProvider{signals: make(chan ports.CredentialSignal, 8)}
}

func (m *MockCredentialProvider) Token() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockCredentialProvider) Signals() <-chan ports.CredentialSignal {
	return m.signals
}

// Emit queues a credential signal.
func (m *MockCredentialProvider) Emit(sig ports.CredentialSignal) {
	m.signals <- sig
}

// MockRealtimeService is a mock implementation of ports.RealtimeService
type MockRealtimeService struct {
	mock.Mock
}

func NewMockRealtimeService() *MockRealtimeService {
	return &MockRealtimeService{}
}

func (m *MockRealtimeService) Subscribe(ctx context.Context, topic domain.TopicKey, consumer ports.Consumer) (func(), error) {
	args := m.Called(ctx, topic, consumer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(func()), args.Error(1)
}

func (m *MockRealtimeService) SendTypingStart(ctx context.Context, topic domain.TopicKey, userID string) error {
	args := m.Called(ctx, topic, userID)
	return args.Error(0)
}

func (m *MockRealtimeService) SendTypingStop(ctx context.Context, topic domain.TopicKey, userID string) error {
	args := m.Called(ctx, topic, userID)
	return args.Error(0)
}

func (m *MockRealtimeService) Connections() []domain.ConnectionInfo {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]domain.ConnectionInfo)
}

func (m *MockRealtimeService) ShutdownAll(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockCredentialController is a mock implementation of ports.CredentialController
type MockCredentialController struct {
	mock.Mock
}

func (m *MockCredentialController) Rotate() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockCredentialController) SignOut() {
	m.Called()
}
