package results

import "codeberg.org/mutker/devchar/internal/sweep"

// Store is a sweep.Recorder that owns a resource.
type Store interface {
	sweep.Recorder
	Close() error
}
