package ports

import (
	"context"

	"github.com/reglet-dev/plugos/domain/entities"
)

// LogSink receives plugin log entries as they arrive.
type LogSink interface {
	Log(ctx context.Context, source string, entry entities.LogEntry)
}
