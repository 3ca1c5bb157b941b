package api

import (
	"context"

	"github.com/cuemby/convergence/pkg/repo"
	"github.com/cuemby/convergence/pkg/types"
)

type ctxKey int

const (
	userCtxKey ctxKey = iota
	repoCtxKey
)

func withUser(ctx context.Context, u *types.User) context.Context {
	return context.WithValue(ctx, userCtxKey, u)
}

func userFrom(ctx context.Context) *types.User {
	u, _ := ctx.Value(userCtxKey).(*types.User)
	return u
}

func withRepoState(ctx context.Context, s *repo.State) context.Context {
	return context.WithValue(ctx, repoCtxKey, s)
}

func repoStateFrom(ctx context.Context) *repo.State {
	s, _ := ctx.Value(repoCtxKey).(*repo.State)
	return s
}
