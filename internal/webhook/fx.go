package webhook

import (
	"github.com/quotely/quotely/internal/webhook/repository"
	"github.com/quotely/quotely/internal/webhook/service"
	"github.com/quotely/quotely/internal/webhook/signature"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.service",
	fx.Provide(repository.Provide),
	fx.Provide(signature.New),
	fx.Provide(service.NewService),
)
