package transport

import (
	"fmt"

	"github.com/go-stomp/stomp/v3"
	"github.com/rs/zerolog"
)

// stompLogger routes go-stomp's own diagnostics into zerolog.
type stompLogger struct {
	log zerolog.Logger
}

var _ stomp.Logger = stompLogger{}

func newStompLogger(log zerolog.Logger) stompLogger {
	return stompLogger{log: log.With().Str("source", "go-stomp").Logger()}
}

func (l stompLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug().Msg(fmt.Sprintf(format, v...))
}

func (l stompLogger) Infof(format string, v ...interface{}) {
	l.log.Info().Msg(fmt.Sprintf(format, v...))
}

func (l stompLogger) Warningf(format string, v ...interface{}) {
	l.log.Warn().Msg(fmt.Sprintf(format, v...))
}

func (l stompLogger) Errorf(format string, v ...interface{}) {
	l.log.Error().Msg(fmt.Sprintf(format, v...))
}

func (l stompLogger) Debug(msg string)   { l.log.Debug().Msg(msg) }
func (l stompLogger) Info(msg string)    { l.log.Info().Msg(msg) }
func (l stompLogger) Warning(msg string) { l.log.Warn().Msg(msg) }
func (l stompLogger) Error(msg string)   { l.log.Error().Msg(msg) }
