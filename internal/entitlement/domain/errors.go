package domain

import "errors"

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidConfig    = errors.New("invalid_config")
	ErrProviderNotFound = errors.New("provider_not_found")

	// ErrEventIgnored marks an event type the normalizer does not map.
	ErrEventIgnored = errors.New("event_ignored")
	// ErrMissingIdentity marks a recognized event without a resolvable user id.
	ErrMissingIdentity = errors.New("missing_identity")
	// ErrNoAction marks a recognized event that carries nothing to write.
	ErrNoAction = errors.New("no_action")

	// ErrEventInFlight marks an event another replica is still applying.
	ErrEventInFlight = errors.New("event_in_flight")

	ErrUpstreamFetch = errors.New("upstream_fetch_failed")
	ErrStore         = errors.New("store_write_failed")
)

// IsRejection reports whether err means the delivery was not authenticated.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrUnauthorized)
}

// EventError carries the event type a normalizer classified before it gave up.
type EventError struct {
	EventType string
	Err       error
}

func (e *EventError) Error() string { return e.EventType + ": " + e.Err.Error() }

func (e *EventError) Unwrap() error { return e.Err }

// WithEventType tags err with eventType. Sentinel matching via errors.Is is kept.
func WithEventType(eventType string, err error) error {
	if err == nil || eventType == "" {
		return err
	}
	var tagged *EventError
	if errors.As(err, &tagged) {
		return err
	}
	return &EventError{EventType: eventType, Err: err}
}

// EventTypeOf returns the event type attached by WithEventType, if any.
func EventTypeOf(err error) string {
	var tagged *EventError
	if errors.As(err, &tagged) {
		return tagged.EventType
	}
	return ""
}
