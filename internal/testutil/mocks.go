package testutil

import (
	"context"

	"github.com/dgellow/oidc-spa/internal/oidc"
	"github.com/stretchr/testify/mock"
)

type MockRefresher struct {
	mock.Mock
}

func (m *MockRefresher) Refresh(ctx context.Context, current *oidc.User) (*oidc.User, error) {
	args := m.Called(ctx, current)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oidc.User), args.Error(1)
}
