package audit

import (
	"github.com/quotely/quotely/internal/audit/repository"
	"github.com/quotely/quotely/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
