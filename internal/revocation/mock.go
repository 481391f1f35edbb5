package revocation

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockEvictor struct {
	mock.Mock
}

func (m *MockEvictor) EvictUser(groupID, uid, reason string) int {
	args := m.Called(groupID, uid, reason)
	return args.Int(0)
}
func (m *MockEvictor) EvictRoom(groupID, reason string) int {
	args := m.Called(groupID, reason)
	return args.Int(0)
}

type MockGroupForgetter struct {
	mock.Mock
}

func (m *MockGroupForgetter) ForgetGroups(ctx context.Context, uid string, groupIDs ...string) error {
	args := m.Called(ctx, uid, groupIDs)
	return args.Error(0)
}
