package ports

import "github.com/ghalamif/MerlinFlow/internal/domain"

// ProgressSink observes run progress. It never affects control flow.
type ProgressSink interface {
	Report(ev domain.ProgressEvent)
}
