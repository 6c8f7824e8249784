package handlers

import (
	"net/http"

	"example.com/backstage/services/forwarder/internal/forwarder"
	"example.com/backstage/services/forwarder/internal/messaging"
	"example.com/backstage/services/forwarder/internal/models"
	"example.com/backstage/services/forwarder/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EventsHandler accepts events over HTTP and hands them to the forwarder.
type EventsHandler struct {
	sink   messaging.Handler
	tracer tracing.Tracer
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(sink messaging.Handler, tracer tracing.Tracer) *EventsHandler {
	return &EventsHandler{
		sink:   sink,
		tracer: tracer,
	}
}

// AcceptedResponse reports how many events were taken in.
type AcceptedResponse struct {
	Accepted int `json:"accepted"`
}

// HandlePostEvents accepts one event or an array of events. $snapshot
// events are routed as snapshots.
func (h *EventsHandler) HandlePostEvents(c *gin.Context) {
	h.accept(c, "api-post-events", func(ev models.IncomingEvent) error {
		return messaging.Route(h.sink, ev)
	})
}

// HandlePostSnapshots accepts snapshot events.
func (h *EventsHandler) HandlePostSnapshots(c *gin.Context) {
	h.accept(c, "api-post-snapshots", h.sink.OnSnapshot)
}

func (h *EventsHandler) accept(c *gin.Context, name string, deliver func(models.IncomingEvent) error) {
	txn := h.tracer.StartTransaction(name)
	defer h.tracer.EndTransaction(txn)

	body, err := c.GetRawData()
	if err != nil {
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read request body"})
		return
	}

	events, err := messaging.DecodeEvents(body)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid events payload")
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.tracer.AddAttribute(txn, "events", len(events))

	for i, ev := range events {
		if err := deliver(ev); err != nil {
			h.tracer.RecordError(txn, err)
			status := http.StatusInternalServerError
			if errors.Is(err, forwarder.ErrTornDown) {
				status = http.StatusServiceUnavailable
			}
			log.Error().Err(err).Int("accepted", i).Str("event_type", ev.Event).Msg("Failed to accept event")
			c.JSON(status, gin.H{"error": err.Error(), "accepted": i})
			return
		}
	}

	c.JSON(http.StatusAccepted, AcceptedResponse{Accepted: len(events)})
}

// RegisterRoutes registers the handler's routes
func (h *EventsHandler) RegisterRoutes(router gin.IRouter) {
	router.POST("/events", h.HandlePostEvents)
	router.POST("/snapshots", h.HandlePostSnapshots)
}
