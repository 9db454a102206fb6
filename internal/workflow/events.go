package workflow

import (
	"time"

	"labelhub/internal/connector"
)

// Step names the state machine positions. The sequence is linear; failed
// and cancelled absorb from any non-terminal step.
type Step string

const (
	StepInitializing   Step = "initializing"
	StepValidating     Step = "validating"
	StepConnecting     Step = "connecting"
	StepConnected      Step = "connected"
	StepCheckingStatus Step = "checkingStatus"
	StepSending        Step = "sending"
	StepWaiting        Step = "waitingForCompletion"
	StepCompleted      Step = "completed"
	StepFailed         Step = "failed"
	StepCancelled      Step = "cancelled"
)

func (s Step) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepCancelled
}

type EventType string

const (
	EventStepChanged EventType = "stepChanged"
	EventError       EventType = "errorOccurred"
	EventRetry       EventType = "retryAttempt"
	EventProgress    EventType = "progressUpdate"
	EventStatus      EventType = "statusUpdate"
	EventCompleted   EventType = "completed"
	EventCancelled   EventType = "cancelled"
)

// StateSnapshot is the operation state frozen at emission time. Consumers
// only ever see complete snapshots.
type StateSnapshot struct {
	OperationID string        `json:"operationId"`
	Device      string        `json:"device,omitempty"`
	Step        Step          `json:"step"`
	Attempt     int           `json:"attempt,omitempty"`
	MaxAttempts int           `json:"maxAttempts,omitempty"`
	StartedAt   time.Time     `json:"startedAt"`
	Elapsed     time.Duration `json:"elapsed"`
	LastError   string        `json:"lastError,omitempty"`
	Cancelled   bool          `json:"cancelled"`
	Completed   bool          `json:"completed"`
}

// ErrorDetail classifies an error for consumers: a taxonomy class such as
// "connection/timeout" or "data/empty", a human message, and a recovery
// hint. Hints are only set for conditions needing a human; classes the
// engine handles itself carry none.
type ErrorDetail struct {
	Class       string `json:"class"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Hint        string `json:"hint,omitempty"`
}

// Event is one entry in an operation's stream.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	State     StateSnapshot  `json:"state"`
	Message   string         `json:"message,omitempty"`
	Error     *ErrorDetail   `json:"error,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Fixed data and operation classes.
const (
	ClassDataEmpty        = "data/empty"
	ClassDataOversized    = "data/oversized"
	ClassDataUnknownFmt   = "data/unrecognized-format"
	ClassOpCancelled      = "operation/cancelled"
	ClassOpTimedOut       = "operation/timed-out"
	ClassOpInProgress     = "operation/already-in-progress"
	ClassOpGeneric        = "operation/generic"
	ClassReadinessHead    = "readiness/head"
	ClassReadinessMedia   = "readiness/media"
	ClassPrintHardware    = "print/hardware-blocked"
	ClassPrintTimeout     = "print/transmit-timeout"
	ClassPrintFailure     = "print/transmit-failure"
	ClassConnTimeout      = "connection/timeout"
	ClassConnPermission   = "connection/permission-denied"
	ClassConnDisabled     = "connection/transport-disabled"
	ClassConnNotFound     = "connection/not-found"
	ClassConnGeneric      = "connection/generic"
)

// connectionDetail classifies a connect-phase error.
func connectionDetail(err error) *ErrorDetail {
	d := &ErrorDetail{Message: err.Error(), Recoverable: connector.Retryable(err)}
	switch connector.KindOf(err) {
	case connector.ErrorTimeout:
		d.Class = ClassConnTimeout
	case connector.ErrorPermission:
		d.Class = ClassConnPermission
		d.Hint = "grant the application access to the transport and try again"
	case connector.ErrorDisabled:
		d.Class = ClassConnDisabled
		d.Hint = "turn the transport (bluetooth or network interface) on"
	case connector.ErrorNotFound:
		d.Class = ClassConnNotFound
		d.Hint = "check the printer address and that the device is powered on"
	default:
		d.Class = ClassConnGeneric
	}
	return d
}

// transmitDetail classifies a send-phase error.
func transmitDetail(err error) *ErrorDetail {
	d := &ErrorDetail{Message: err.Error(), Recoverable: connector.Retryable(err)}
	switch connector.KindOf(err) {
	case connector.ErrorHardware:
		d.Class = ClassPrintHardware
		d.Hint = "check the printer for an open head, jam or fault light"
	case connector.ErrorTimeout:
		d.Class = ClassPrintTimeout
	default:
		d.Class = ClassPrintFailure
	}
	return d
}
