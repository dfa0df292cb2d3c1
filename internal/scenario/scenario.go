package scenario

import (
	"context"

	"github.com/rs/zerolog"

	"matchprobe/internal/checks"
	"matchprobe/pkg/interfaces"
	"matchprobe/pkg/types"
)

// Scenario is the script one iteration runs against a connection.
// Handlers are optional; each runs to completion before the next event is read.
type Scenario struct {
	Name string
	URL  string
	Tags map[string]string

	OnOpen    func(it *Iteration)
	OnMessage func(it *Iteration, payload []byte)
	OnClose   func(it *Iteration, code int, reason string)
	OnError   func(it *Iteration, err error)
}

// Iteration is the handle handlers use to act on the current iteration
type Iteration struct {
	ID string
	VU int

	ctx            context.Context
	scope          *checks.Scope
	prober         interfaces.Prober
	logger         zerolog.Logger
	closeRequested bool
}

// Context is cancelled when the iteration times out
func (it *Iteration) Context() context.Context {
	return it.ctx
}

// Logger returns the iteration logger, carrying iteration, VU and scenario tags
func (it *Iteration) Logger() *zerolog.Logger {
	return &it.logger
}

// Check records a named check for this iteration and returns whether it passed
func (it *Iteration) Check(name string, value any, pred checks.Predicate) bool {
	result, err := it.scope.Check(name, value, pred)
	if err != nil {
		it.logger.Warn().Err(err).Str("check", name).Msg("check dropped")
		return false
	}
	return result.Passed
}

// Get issues one HTTP GET bounded by the iteration timeout
func (it *Iteration) Get(url string) (*types.ProbeResult, error) {
	return it.prober.Get(it.ctx, url)
}

// Close asks the executor to close the connection once the current reaction returns
func (it *Iteration) Close() {
	it.closeRequested = true
}
