package quote

import (
	"github.com/quotely/quotely/internal/quote/repository"
	"github.com/quotely/quotely/internal/quote/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quote.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
