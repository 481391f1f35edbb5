package stats

import "github.com/stretchr/testify/mock"

type MockStatsUpdater struct {
	mock.Mock
}

func (m *MockStatsUpdater) Incr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) Decr(name string) {
	m.Called(name)
}
func (m *MockStatsUpdater) RegisterCounter(name, help string) {
	m.Called(name, help)
}
func (m *MockStatsUpdater) RegisterGauge(name, help string) {
	m.Called(name, help)
}

// NopStats returns a mock that accepts any call, for tests that do not assert on metrics.
func NopStats() *MockStatsUpdater {
	m := &MockStatsUpdater{}
	m.On("Incr", mock.Anything).Maybe()
	m.On("Decr", mock.Anything).Maybe()
	m.On("RegisterCounter", mock.Anything, mock.Anything).Maybe()
	m.On("RegisterGauge", mock.Anything, mock.Anything).Maybe()
	return m
}
