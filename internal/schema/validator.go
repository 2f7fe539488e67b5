// Package schema checks outgoing events before they are published.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"subtitle-stt-engine/internal/models"
)

// ErrInvalidEvent is wrapped by every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate accepts the event types in models, by value or pointer.
func (v *Validator) Validate(event any) error {
	var err error
	switch e := event.(type) {
	case models.SubtitlePartial:
		err = validatePartial(&e)
	case *models.SubtitlePartial:
		err = validatePartial(e)
	case models.SubtitleFinal:
		err = validateFinal(&e)
	case *models.SubtitleFinal:
		err = validateFinal(e)
	case models.WorkerStatus:
		err = validateStatus(&e)
	case *models.WorkerStatus:
		err = validateStatus(e)
	default:
		err = fmt.Errorf("%w: unsupported type %T", ErrInvalidEvent, event)
	}
	if err != nil {
		log.Debug().Err(err).Msg("Event rejected")
	}
	return err
}

func require(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidEvent, field)
	}
	return nil
}

func span(startMs, endMs int64) error {
	if startMs < 0 {
		return fmt.Errorf("%w: negative start %d", ErrInvalidEvent, startMs)
	}
	if endMs < startMs {
		return fmt.Errorf("%w: end %d before start %d", ErrInvalidEvent, endMs, startMs)
	}
	return nil
}

func validatePartial(e *models.SubtitlePartial) error {
	if e.EventType != models.EventTypePartial {
		return fmt.Errorf("%w: event type %q", ErrInvalidEvent, e.EventType)
	}
	return errors.Join(
		require("sessionId", e.SessionID),
		require("segmentId", e.SegmentID),
		span(e.StartMs, e.EndMs),
	)
}

func validateFinal(e *models.SubtitleFinal) error {
	if e.EventType != models.EventTypeFinal {
		return fmt.Errorf("%w: event type %q", ErrInvalidEvent, e.EventType)
	}
	errs := []error{
		require("sessionId", e.SessionID),
		require("segmentId", e.SegmentID),
		span(e.StartMs, e.EndMs),
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		errs = append(errs, fmt.Errorf("%w: confidence %v outside [0, 1]", ErrInvalidEvent, e.Confidence))
	}
	for i, w := range e.Words {
		if w.EndMs < w.StartMs {
			errs = append(errs, fmt.Errorf("%w: word %d ends before it starts", ErrInvalidEvent, i))
		}
	}
	return errors.Join(errs...)
}

func validateStatus(e *models.WorkerStatus) error {
	if e.EventType != models.EventTypeStatus {
		return fmt.Errorf("%w: event type %q", ErrInvalidEvent, e.EventType)
	}
	return errors.Join(
		require("sessionId", e.SessionID),
		require("kind", e.Kind),
	)
}
