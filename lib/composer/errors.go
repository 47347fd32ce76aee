package composer

import (
	"errors"
	"fmt"
)

// ConfigurationError is a malformed pipeline spec, it is raised when the
// composer is built and is never worth retrying.
type ConfigurationError struct {
	Unit   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Unit == "" {
		return fmt.Sprintf("composer: invalid pipeline: %s", e.Reason)
	}
	return fmt.Sprintf("composer: invalid pipeline: unit %q: %s", e.Unit, e.Reason)
}

// CompositionContractError is raised when an intermediate stage produces
// something that is not a request, this is a bug in the stage's parser.
type CompositionContractError struct {
	Stage  string
	Index  int
	Type   string
	Reason string
}

func (e *CompositionContractError) Error() string {
	if e.Reason != "" && e.Stage == "" {
		return fmt.Sprintf("composer: stage %d: %s", e.Index, e.Reason)
	}
	if e.Reason != "" {
		return fmt.Sprintf("composer: stage %d (%s): %s", e.Index, e.Stage, e.Reason)
	}
	return fmt.Sprintf(
		"composer: intermediate stages must produce requests or sequences of requests, stage %d (%s) produced %s",
		e.Index, e.Stage, e.Type,
	)
}

// CallbackResolutionError is raised when no resolution strategy could turn a
// callback reference into a parse function, only the lineage of the request
// carrying the callback is affected.
type CallbackResolutionError struct {
	Callback string
}

func (e *CallbackResolutionError) Error() string {
	return fmt.Sprintf("composer: could not resolve callback %q", e.Callback)
}

// IsFatal reports whether err must abort the whole pipeline rather than just
// the lineage it occurred in.
func IsFatal(err error) bool {
	var configErr *ConfigurationError
	var contractErr *CompositionContractError
	return errors.As(err, &configErr) || errors.As(err, &contractErr)
}
