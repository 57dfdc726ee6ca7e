package provider

import "context"

type Repository interface {
	GetByUserID(ctx context.Context, userID int64) (*Profile, error)
	Upsert(ctx context.Context, p *Profile) (*Profile, error)
}
