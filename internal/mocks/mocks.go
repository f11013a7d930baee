// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/browser"
	"github.com/xkilldash9x/autoreg/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	return m.Called().Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Telemetry() config.TelemetryConfig {
	return m.Called().Get(0).(config.TelemetryConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	return m.Called().Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Automation() config.AutomationConfig {
	return m.Called().Get(0).(config.AutomationConfig)
}

func (m *MockConfig) Device() config.DeviceConfig {
	return m.Called().Get(0).(config.DeviceConfig)
}

func (m *MockConfig) Executor() config.ExecutorConfig {
	return m.Called().Get(0).(config.ExecutorConfig)
}

func (m *MockConfig) Templates() config.TemplatesConfig {
	return m.Called().Get(0).(config.TemplatesConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	return m.Called().Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Redis() config.RedisConfig {
	return m.Called().Get(0).(config.RedisConfig)
}

func (m *MockConfig) Queue() config.QueueConfig {
	return m.Called().Get(0).(config.QueueConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	return m.Called().Get(0).(config.ServerConfig)
}

func (m *MockConfig) Advisor() config.AdvisorConfig {
	return m.Called().Get(0).(config.AdvisorConfig)
}

func (m *MockConfig) Diagnostics() config.DiagnosticsConfig {
	return m.Called().Get(0).(config.DiagnosticsConfig)
}

// --- Setters ---

func (m *MockConfig) SetBrowserEngine(e string)      { m.Called(e) }
func (m *MockConfig) SetBrowserHeadless(b bool)      { m.Called(b) }
func (m *MockConfig) SetDeviceProfile(p string)      { m.Called(p) }
func (m *MockConfig) SetAutomationMaxAttempts(n int) { m.Called(n) }
func (m *MockConfig) SetDiagnosticsDir(d string)     { m.Called(d) }
func (m *MockConfig) SetAutomationDetectionStrategy(s string) {
	m.Called(s)
}

// -- Browser Session Mock --

// MockSession implements browser.Session for testing.
type MockSession struct {
	mock.Mock
}

var _ browser.Session = (*MockSession)(nil)

func NewMockSession(id string) *MockSession {
	m := &MockSession{}
	m.On("ID").Return(id).Maybe()
	return m
}

func (m *MockSession) ID() string                      { return m.Called().String(0) }
func (m *MockSession) Close(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *MockSession) Navigate(ctx context.Context, url string) error {
	return m.Called(ctx, url).Error(0)
}
func (m *MockSession) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}
func (m *MockSession) WaitStable(ctx context.Context, quiet time.Duration) error {
	return m.Called(ctx, quiet).Error(0)
}
func (m *MockSession) Inspect(ctx context.Context) (*browser.Inventory, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*browser.Inventory), args.Error(1)
}
func (m *MockSession) Find(ctx context.Context, xpath string) ([]browser.ElementCandidate, error) {
	args := m.Called(ctx, xpath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]browser.ElementCandidate), args.Error(1)
}
func (m *MockSession) Act(ctx context.Context, action browser.Action) error {
	return m.Called(ctx, action).Error(0)
}
func (m *MockSession) Emulate(ctx context.Context, em browser.Emulation) error {
	return m.Called(ctx, em).Error(0)
}
func (m *MockSession) Screenshot(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}
func (m *MockSession) HTML(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

// -- Browser Launcher Mock --

// MockLauncher implements browser.Launcher for testing.
type MockLauncher struct {
	mock.Mock
}

var _ browser.Launcher = (*MockLauncher)(nil)

func (m *MockLauncher) Name() string { return m.Called().String(0) }
func (m *MockLauncher) Launch(ctx context.Context) (browser.Session, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(browser.Session), args.Error(1)
}
func (m *MockLauncher) Shutdown(ctx context.Context) error { return m.Called(ctx).Error(0) }

// -- Template Source Mock --

// MockTemplateSource implements the orchestrator's template lookup for testing.
type MockTemplateSource struct {
	mock.Mock
}

func (m *MockTemplateSource) Lookup(ctx context.Context, manufacturer string) (*schemas.FieldMapping, error) {
	args := m.Called(ctx, manufacturer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.FieldMapping), args.Error(1)
}
