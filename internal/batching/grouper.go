package batching

import (
	"example.com/backstage/services/forwarder/internal/models"
	"example.com/backstage/services/forwarder/internal/normalizer"

	"github.com/google/uuid"
)

// Grouper folds events into per-key batch items.
type Grouper struct {
	normalizer *normalizer.Normalizer
	newKey     func() string
}

// NewGrouper creates a Grouper. A nil normalizer uses the defaults.
func NewGrouper(n *normalizer.Normalizer) *Grouper {
	if n == nil {
		n = normalizer.New()
	}
	return &Grouper{
		normalizer: n,
		newKey:     uuid.NewString,
	}
}

// Group normalizes each event and merges it into the batch item for its key.
//
// The batch key is the device id. Events without one get a fresh random key
// and therefore never share an item with any other event. Within a shared
// key the endpoint is overwritten by each event in turn, so the last event
// processed wins; events with distinct keys accumulate and a repeated event
// key overwrites.
func (g *Grouper) Group(events []models.IncomingEvent) models.Batch {
	batch := make(models.Batch, len(events))
	for _, ev := range events {
		key := ev.Device()
		if key == "" {
			key = g.newKey()
		}

		item, ok := batch[key]
		if !ok {
			item = models.BatchItem{Events: make(map[string]models.NormalizedEvent)}
		}

		normalized := g.normalizer.Normalize(ev)
		item.Events[normalized.Key] = normalized
		item.Endpoint = normalizer.ExtractEndpoint(ev)

		batch[key] = item
	}
	return batch
}
