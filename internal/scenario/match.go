package scenario

import (
	"net/http"

	"matchprobe/internal/checks"
	"matchprobe/pkg/types"
)

// MatchScenarioName identifies the matchmaking scenario in logs and stored runs
const MatchScenarioName = "websocket-match"

// DefaultTags are attached to every match scenario iteration
func DefaultTags() map[string]string {
	return map[string]string{"test": MatchScenarioName}
}

// MatchScenario connects to a matchmaking endpoint, waits for the pushed match
// URL, fetches it once and closes.
func MatchScenario(url string, tags map[string]string) Scenario {
	if tags == nil {
		tags = DefaultTags()
	}

	return Scenario{
		Name: MatchScenarioName,
		URL:  url,
		Tags: tags,

		OnOpen: func(it *Iteration) {
			it.Logger().Info().Msg("websocket connected")
		},

		OnMessage: func(it *Iteration, payload []byte) {
			// FUNCTIONAL DISCOVERY: the server pushes exactly one frame; whatever
			// happens with it, the iteration closes afterwards
			defer it.Close()

			matchURL, err := types.ParseMatchURL(payload)
			if err != nil {
				it.Logger().Warn().Err(err).Msg("ignoring malformed match message")
				return
			}
			it.Logger().Info().Str("url", matchURL).Msg("received match URL")

			result, err := it.Get(matchURL)
			if err != nil {
				it.Check(types.CheckMatchURLStatus, err, checks.Equals(http.StatusOK))
				it.Logger().Warn().Err(err).Msg("match URL request failed")
				return
			}

			it.Check(types.CheckMatchURLStatus, result.Status, checks.Equals(http.StatusOK))
			it.Logger().Info().Int("status", result.Status).Dur("latency", result.Latency).Msg("http response status")
		},

		OnClose: func(it *Iteration, code int, reason string) {
			it.Logger().Info().Int("code", code).Str("reason", reason).Msg("websocket disconnected")
		},

		OnError: func(it *Iteration, err error) {
			it.Logger().Error().Err(err).Msg("websocket error")
		},
	}
}
