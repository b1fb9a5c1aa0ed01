// Wstest tests Tremolo's [WebSocket client] against
// the fuzzing server of the [Autobahn Testsuite].
//
// [WebSocket client]: https://pkg.go.dev/github.com/tzrikka/tremolo/pkg/websocket
// [Autobahn Testsuite]: https://github.com/crossbario/autobahn-testsuite
package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/tzrikka/tremolo/internal/logger"
	"github.com/tzrikka/tremolo/pkg/websocket"
)

const (
	host  = "127.0.0.1"
	port  = 9001
	agent = "tremolo"
)

func main() {
	logger.Init(true)

	n := getCaseCount()
	log.Info().Int("n", n).Msg("case count")

	// Not implemented in Tremolo (so excluded in "config/fuzzingserver.json"):
	//   - 6.*: UTF-8 validation of incoming text messages,
	//   - 12.* and 13.*: WebSocket compression.
	for i := range n {
		runCase(i + 1)
	}

	updateReports()
}

func dial(path string) (*websocket.Session, error) {
	return websocket.Dial(context.Background(), host, port,
		websocket.WithPath(path), websocket.WithUserAgent(agent))
}

// getCaseCount retrieves the number of enabled test cases from
// the Autobahn fuzzing server, using a WebSocket request.
func getCaseCount() int {
	s, err := dial("/getCaseCount")
	if err != nil {
		logger.FatalError("dial error", err)
	}

	n := 0
	_ = s.On(websocket.OpcodeText, func(_ *websocket.Session, payload []byte) {
		if n, err = strconv.Atoi(string(payload)); err != nil {
			logger.FatalError("invalid test case count", err)
		}
	})

	s.Serve()
	<-s.Done()
	return n
}

// updateReports instructs the Autobahn fuzzing server to generate/update
// all the HTML and JSON files for all the test-case results.
func updateReports() {
	log.Info().Msg("updating reports")

	s, err := dial(fmt.Sprintf("/updateReports?agent=%s", agent))
	if err != nil {
		logger.FatalError("dial error", err)
	}

	s.Serve()
	<-s.Done()
}

func runCase(i int) {
	l := log.With().Int("case", i).Logger()
	l.Info().Msg("starting test")

	s, err := dial(fmt.Sprintf("/runCase?case=%d&agent=%s", i, agent))
	if err != nil {
		logger.FatalError("dial error", err)
	}

	// Echo loop: send each data message back with its original opcode.
	echo := func(op websocket.Opcode) websocket.Handler {
		return func(s *websocket.Session, payload []byte) {
			l.Info().Str("opcode", op.String()).Int("length", len(payload)).Msg("received message")
			if err := s.Send(op, payload); err != nil {
				l.Error().Err(err).Msg("echo error")
				s.Close(websocket.StatusNormalClosure)
			}
		}
	}
	_ = s.On(websocket.OpcodeText, echo(websocket.OpcodeText))
	_ = s.On(websocket.OpcodeBinary, echo(websocket.OpcodeBinary))

	s.Serve()
	<-s.Done()
	l.Debug().Msg("connection closed")
}
