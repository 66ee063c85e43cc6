// Package membership is the default chat-membership collaborator: a
// store-backed provider so the server runs stand-alone. Deployments with an
// external chat backend replace it with an adapter satisfying
// service.Membership.
package membership

import (
	"context"

	"e2ee-keys/internal/store"

	"github.com/google/uuid"
)

type Provider struct {
	store *store.Store
}

func New(st *store.Store) *Provider {
	return &Provider{store: st}
}

func (p *Provider) GetMembers(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	return p.store.Members().List(ctx, groupID)
}

func (p *Provider) Add(ctx context.Context, groupID, userID uuid.UUID) error {
	return p.store.Members().Add(ctx, groupID, userID)
}

func (p *Provider) Remove(ctx context.Context, groupID, userID uuid.UUID) error {
	return p.store.Members().Remove(ctx, groupID, userID)
}
