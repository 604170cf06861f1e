// Package worker provides the shared handler skeleton every queue
// consumer follows: structural validation, a bounded-retry envelope for
// transient failures and outcome publication back to the conductor.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/rs/zerolog"

	"github.com/medqa/conductor/pkg/bus"
	"github.com/medqa/conductor/pkg/log"
	"github.com/medqa/conductor/pkg/types"
)

const originalMessageLimit = 500

// Result is an outcome message published to the conductor queue after a
// handler finishes.
type Result struct {
	Command string
	Payload any
}

// HandlerFunc processes one validated message.
type HandlerFunc func(ctx context.Context, msg bus.Message) (*Result, error)

// Handler binds a command to its processing function.
type Handler struct {
	// RequiredFields are payload keys that must be present and non-null.
	RequiredFields []string
	Run            HandlerFunc
	// OnFailure maps a final error to the failure outcome published to
	// the conductor. Nil means no failure outcome is sent.
	OnFailure func(msg bus.Message, err error) *Result
}

// MalformedPayload is what a worker reports when a message fails
// structural validation.
type MalformedPayload struct {
	Error           string `json:"error"`
	OriginalMessage string `json:"original_message"`
}

// Bus is the broker surface a worker needs.
type Bus interface {
	bus.Publisher
	Consume(queue string, handler bus.Handler) error
}

// Worker consumes one queue with the shared skeleton semantics.
type Worker struct {
	name           string
	queue          string
	conductorQueue string
	bus            Bus
	handlers       map[string]Handler
	maxRetries     int
	retryDelay     time.Duration
	logger         zerolog.Logger
}

// New creates a worker for the named queue. retryDelay is the base sleep
// of the transient-failure envelope.
func New(name, queue, conductorQueue string, b Bus, maxRetries int, retryDelay time.Duration) *Worker {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &Worker{
		name:           name,
		queue:          queue,
		conductorQueue: conductorQueue,
		bus:            b,
		handlers:       make(map[string]Handler),
		maxRetries:     maxRetries,
		retryDelay:     retryDelay,
		logger:         log.WithComponent(name),
	}
}

// Handle registers the handler for one command. Must be called before Run.
func (w *Worker) Handle(command string, h Handler) {
	w.handlers[command] = h
}

// Run consumes the queue until the bus is closed.
func (w *Worker) Run() error {
	w.logger.Info().Str("queue", w.queue).Msg("worker consuming")
	return w.bus.Consume(w.queue, w.dispatch)
}

func (w *Worker) dispatch(msg bus.Message) error {
	logger := log.WithCorrelationID(w.logger, msg.CorrelationID)

	h, err := w.validate(msg)
	if err != nil {
		logger.Error().Err(err).Str("command", msg.Command).Msg("malformed message")
		w.reportMalformed(msg, err)
		return fmt.Errorf("%s: %w", w.name, err)
	}

	result, err := w.runWithRetry(msg, h, logger)
	if err != nil {
		logger.Error().Err(err).Str("command", msg.Command).Msg("handler failed permanently")
		if h.OnFailure != nil {
			if failure := h.OnFailure(msg, err); failure != nil {
				w.publishOutcome(msg, *failure, logger)
			}
		}
		return fmt.Errorf("%s %s: %v: %w", w.name, msg.Command, err, bus.ErrDeadLetter)
	}

	if result != nil {
		w.publishOutcome(msg, *result, logger)
	}
	return nil
}

// validate checks the structural contract: a registered command and every
// required payload field present and non-null.
func (w *Worker) validate(msg bus.Message) (Handler, error) {
	if msg.Command == "" {
		return Handler{}, fmt.Errorf("%w: missing command", types.ErrMalformedMessage)
	}
	h, ok := w.handlers[msg.Command]
	if !ok {
		return Handler{}, fmt.Errorf("%w: unsupported command %q", types.ErrMalformedMessage, msg.Command)
	}
	if len(h.RequiredFields) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(msg.Payload, &fields); err != nil {
			return Handler{}, fmt.Errorf("%w: payload is not an object: %v", types.ErrMalformedMessage, err)
		}
		for _, f := range h.RequiredFields {
			raw, ok := fields[f]
			if !ok || string(raw) == "null" {
				return Handler{}, fmt.Errorf("%w: missing payload field %q", types.ErrMalformedMessage, f)
			}
		}
	}
	return h, nil
}

// runWithRetry executes the handler, sleeping retryDelay·2^attempt between
// transient failures up to maxRetries attempts.
func (w *Worker) runWithRetry(msg bus.Message, h Handler, logger zerolog.Logger) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < w.maxRetries; attempt++ {
		if attempt > 0 {
			wait := w.retryDelay << uint(attempt-1)
			logger.Warn().Err(lastErr).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("retrying after transient failure")
			time.Sleep(wait)
		}
		result, err := h.Run(context.Background(), msg)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	return errors.Is(err, types.ErrRemoteExecution) ||
		errors.Is(err, types.ErrDataIntegrity) ||
		errors.Is(err, types.ErrNetwork) ||
		errors.Is(err, fs.ErrNotExist)
}

// reportMalformed publishes the diagnostic to the conductor queue; the
// original message still dead-letters.
func (w *Worker) reportMalformed(msg bus.Message, cause error) {
	original, _ := json.Marshal(msg)
	out, err := bus.NewMessage(bus.CmdMalformedMessage, MalformedPayload{
		Error:           cause.Error(),
		OriginalMessage: clip(string(original), originalMessageLimit),
	})
	if err != nil {
		return
	}
	if msg.CorrelationID != "" {
		out.CorrelationID = msg.CorrelationID
	}
	if err := w.bus.Publish(w.conductorQueue, out); err != nil {
		w.logger.Error().Err(err).Msg("malformed-message report failed")
	}
}

func (w *Worker) publishOutcome(in bus.Message, r Result, logger zerolog.Logger) {
	out, err := bus.NewMessage(r.Command, r.Payload)
	if err != nil {
		logger.Error().Err(err).Str("outcome", r.Command).Msg("encoding outcome failed")
		return
	}
	if in.CorrelationID != "" {
		out.CorrelationID = in.CorrelationID
	}
	if err := w.bus.Publish(w.conductorQueue, out); err != nil {
		logger.Error().Err(err).Str("outcome", r.Command).Msg("publishing outcome failed")
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
