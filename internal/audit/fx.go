package audit

import (
	"github.com/smallbiznis/powercasting/internal/audit/domain"
	"github.com/smallbiznis/powercasting/internal/audit/repository"
	"github.com/smallbiznis/powercasting/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
)
