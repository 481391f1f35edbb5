package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockDeadLetterRepository struct {
	mock.Mock
}

func (m *MockDeadLetterRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockDeadLetterRepository) SaveDeadLetter(ctx context.Context, dl DeadLetter) (DeadLetter, error) {
	args := m.Called(ctx, dl)
	return args.Get(0).(DeadLetter), args.Error(1)
}
func (m *MockDeadLetterRepository) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	args := m.Called(ctx, limit)
	if dls, ok := args.Get(0).([]DeadLetter); ok {
		return dls, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockDeadLetterRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
