package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock stamps entitlement and subscription writes.
type Clock interface {
	Now() time.Time
}

// UTC is the wall clock, always normalized to UTC.
type UTC struct{}

func (UTC) Now() time.Time {
	return time.Now().UTC()
}

var Module = fx.Module("clock",
	fx.Provide(func() Clock { return UTC{} }),
)
