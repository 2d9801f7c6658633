package channel

// OutcomeKind is the variant of an Outcome.
type OutcomeKind int

const (
	OutcomeContinue OutcomeKind = iota
	OutcomeStop
	OutcomeReject
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeStop:
		return "stop"
	case OutcomeReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Outcome is the result of a pipeline stage: Continue with a value, Stop
// with an optional literal payload rendered as a 200, or Reject with an error.
type Outcome[T any] struct {
	kind    OutcomeKind
	value   T
	payload any
	err     error
}

func Continue[T any](value T) Outcome[T] {
	return Outcome[T]{kind: OutcomeContinue, value: value}
}

func Stop[T any](payload any) Outcome[T] {
	return Outcome[T]{kind: OutcomeStop, payload: payload}
}

func Reject[T any](err error) Outcome[T] {
	return Outcome[T]{kind: OutcomeReject, err: err}
}

func (o Outcome[T]) Kind() OutcomeKind { return o.kind }
func (o Outcome[T]) Value() T          { return o.value }
func (o Outcome[T]) Payload() any      { return o.payload }
func (o Outcome[T]) Err() error        { return o.err }
