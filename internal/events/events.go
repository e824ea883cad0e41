// Package events implements the monitor's structured event emitter
// (C2): a one-call-site sink for state-transition and diagnostic
// events, rendered either as single-line JSON or as a human-readable
// colorized line, mirroring filmon/logging.py's JsonLogger.
package events

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Emitter emits named events with arbitrary key/value fields. It never
// blocks the caller on anything beyond a buffered write, and it never
// returns an error: observability must never be allowed to destabilize
// the daemon (spec §7, "best-effort observability emit").
type Emitter struct {
	log zerolog.Logger
}

// Option configures an Emitter.
type Option func(*config)

type config struct {
	json   bool
	out    io.Writer
	forced bool
}

// WithJSON forces single-line JSON output regardless of TTY detection.
func WithJSON(json bool) Option {
	return func(c *config) { c.json = json; c.forced = true }
}

// WithWriter overrides the destination stream (tests use this to
// capture output; production defaults to os.Stdout).
func WithWriter(w io.Writer) Option {
	return func(c *config) { c.out = w }
}

// New builds an Emitter. With no options, output auto-detects: JSON
// when stdout is not a TTY (e.g. piped to a log collector), a
// human-readable timestamped line otherwise — the same default the
// original CLI's --json/--no-json mutually exclusive flag pair
// resolves to when neither is passed.
func New(opts ...Option) *Emitter {
	c := config{out: os.Stdout}
	for _, o := range opts {
		o(&c)
	}
	if !c.forced {
		if f, ok := c.out.(*os.File); ok {
			c.json = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	var logger zerolog.Logger
	if c.json {
		logger = zerolog.New(c.out)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        c.out,
			TimeFormat: "2006-01-02 15:04:05.000",
			NoColor:    !isTTYWriter(c.out),
		})
	}
	return &Emitter{log: logger.With().Timestamp().Logger()}
}

func isTTYWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Field is a single key/value pair attached to an emitted event.
// Strings, bools, int/int64/uint64, float64, durations and times get
// typed encoders; a nil value is dropped, and any other value is
// serialized through zerolog's Interface encoder.
type Field struct {
	Key   string
	Value any
}

// F constructs a Field. Named short to keep call sites
// (events.Emit("pause_triggered", events.F("reason", reason), ...))
// readable.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Emit records one event with a name and optional fields.
func (e *Emitter) Emit(event string, fields ...Field) {
	ev := e.log.Info().Str("event", event)
	for _, f := range fields {
		ev = addField(ev, f.Key, f.Value)
	}
	ev.Msg(event)
}

func addField(ev *zerolog.Event, key string, value any) *zerolog.Event {
	switch v := value.(type) {
	case nil:
		return ev
	case string:
		return ev.Str(key, v)
	case bool:
		return ev.Bool(key, v)
	case int:
		return ev.Int(key, v)
	case int64:
		return ev.Int64(key, v)
	case uint64:
		return ev.Uint64(key, v)
	case float64:
		return ev.Float64(key, v)
	case time.Duration:
		return ev.Dur(key, v)
	case time.Time:
		return ev.Time(key, v)
	default:
		return ev.Interface(key, v)
	}
}
