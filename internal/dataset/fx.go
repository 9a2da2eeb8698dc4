package dataset

import "go.uber.org/fx"

var Module = fx.Module("dataset.catalog",
	fx.Provide(NewCatalog),
)
