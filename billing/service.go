/*
service.go - The billing engine entry point

PURPOSE:
  Service wires the persistence boundary and the upstream collaborators
  together. Every public operation of the engine hangs off it; handlers
  and the generation scheduler never talk to the store directly for
  monetary state.

CONSTRUCTION:
  s := billing.NewService(store, readings, tariffs)

All mutating operations open exactly one WithTx scope. Reads outside a
mutation go straight through the store.
*/
package billing

import (
	"time"

	"github.com/google/uuid"
)

// Service implements the billing and payment operations on top of a
// transactional store.
type Service struct {
	store    TxStore
	readings ReadingSource
	tariffs  TariffSource

	// now is swappable for tests.
	now func() time.Time
}

func NewService(store TxStore, readings ReadingSource, tariffs TariffSource) *Service {
	return &Service{
		store:    store,
		readings: readings,
		tariffs:  tariffs,
		now:      time.Now,
	}
}

// WithClock replaces the service clock. Test use only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func newID() string { return uuid.NewString() }
