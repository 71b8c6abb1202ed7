package logging

import (
	"encoding/hex"
	"io"

	"github.com/rs/zerolog"
)

// ZerologSink adapts rs/zerolog for structured log output, offered
// alongside FileSink as a second pluggable backend for deployments that
// want JSON-structured logs instead of the flat hex-dump format.
type ZerologSink struct {
	logger zerolog.Logger
}

// NewZerologSink builds a Sink backed by a zerolog.Logger writing to w.
func NewZerologSink(w io.Writer) *ZerologSink {
	return &ZerologSink{logger: zerolog.New(w).With().Timestamp().Logger()}
}

func (s *ZerologSink) Log(level Level, tag, format string, args ...interface{}) {
	s.event(level).Str("tag", tag).Msgf(format, args...)
}

func (s *ZerologSink) TX(tag, addr string, data []byte) {
	s.logger.Debug().Str("tag", tag).Str("dir", "tx").Str("addr", addr).Int("len", len(data)).Str("hex", hex.EncodeToString(data)).Msg("wire transfer")
}

func (s *ZerologSink) RX(tag, addr string, data []byte) {
	s.logger.Debug().Str("tag", tag).Str("dir", "rx").Str("addr", addr).Int("len", len(data)).Str("hex", hex.EncodeToString(data)).Msg("wire transfer")
}

func (s *ZerologSink) event(level Level) *zerolog.Event {
	switch level {
	case LevelDebug:
		return s.logger.Debug()
	case LevelWarn:
		return s.logger.Warn()
	case LevelError:
		return s.logger.Error()
	default:
		return s.logger.Info()
	}
}
