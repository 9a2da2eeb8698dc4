package record

import (
	"github.com/smallbiznis/powercasting/internal/record/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("record.repository",
	fx.Provide(repository.Provide),
)
