package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/quotely/quotely/internal/quote/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func NewService(p Params) *Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("quote.service"),
		repo: p.Repo,
	}
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Quote, error) {
	return s.repo.Get(ctx, s.db, id)
}
