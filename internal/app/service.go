package app

import (
	"context"

	"stelligence/internal/contribution"
	"stelligence/internal/debate"
	"stelligence/internal/document"
	"stelligence/internal/export"
	"stelligence/internal/revision"
	"stelligence/internal/search"
	"stelligence/internal/vote"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Service bundles the domain services behind the HTTP surface. Archive,
// Export and Search may be nil.
type Service struct {
	Documents     *document.Service
	Contributions *contribution.Service
	Votes         *vote.Service
	Debates       *debate.Service
	Archive       *revision.Archive
	Export        *export.Service
	Search        *search.Service
	// Checks are named readiness checks, e.g. "database" and "redis".
	Checks map[string]Pinger
}

// Ready pings every check and returns the failures by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for name, check := range s.Checks {
		if check == nil {
			continue
		}
		if err := check.Ping(ctx); err != nil {
			failures[name] = err
		}
	}
	return failures
}
