package notify

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Delivery statuses.
const (
	StatusPending    = "pending"
	StatusDelivering = "delivering"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
	StatusDead       = "dead"
)

var (
	// ErrNotFound is returned when an endpoint or delivery does not exist.
	ErrNotFound = errors.New("notify: not found")
	// ErrNotClaimable means the delivery is not due, already in flight, finished or archived.
	ErrNotClaimable = errors.New("notify: delivery not claimable")
	// ErrInFlight is returned by admin actions on a delivery currently being sent.
	ErrInFlight = errors.New("notify: delivery in flight")
)

// Endpoint is a subscriber URL receiving signed event callbacks.
type Endpoint struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Topics    []string  `json:"topics"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Subscribes reports whether the endpoint wants events for topic. An empty
// topic list subscribes to everything.
func (e Endpoint) Subscribes(topic string) bool {
	if len(e.Topics) == 0 {
		return true
	}
	for _, t := range e.Topics {
		if t == topic || t == "*" {
			return true
		}
	}
	return false
}

// Delivery tracks sending one event to one endpoint.
type Delivery struct {
	ID             uuid.UUID  `json:"id"`
	EndpointID     uuid.UUID  `json:"endpointId"`
	EventID        uuid.UUID  `json:"eventId"`
	Topic          string     `json:"topic,omitempty"`
	Status         string     `json:"status"`
	Attempt        int        `json:"attempt"`
	MaxAttempt     int        `json:"maxAttempt"`
	NextAttemptAt  time.Time  `json:"nextAttemptAt"`
	LastError      *string    `json:"lastError,omitempty"`
	ResponseStatus *int       `json:"responseStatus,omitempty"`
	ResponseBody   *string    `json:"responseBody,omitempty"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ArchivedAt     *time.Time `json:"archivedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// DeliveryFilter narrows admin delivery listings.
type DeliveryFilter struct {
	Status     string
	EndpointID *uuid.UUID
	EventID    *uuid.UUID
	Archived   *bool
	Limit      int
	Offset     int
}

// AttemptResult captures the outcome of one HTTP attempt.
type AttemptResult struct {
	Attempt   int
	Status    *int
	Body      string
	Error     string
	NextRetry time.Time
}
