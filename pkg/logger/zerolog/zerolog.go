package zerolog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/goterm/term"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New builds a logger backed by zerolog. When jsonFormat is false the output
// goes through a console writer with fixed-width, optionally colored columns.
func New(level, timeLayout string, colored, jsonFormat bool) (*Adapter, error) {
	mode, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(mode)

	var l zerolog.Logger
	if jsonFormat {
		l = log.With().Caller().Logger()
	} else {
		out := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			NoColor:    !colored,
			TimeFormat: timeLayout,
		}
		out.FormatLevel = formatLevel
		out.FormatMessage = formatMessage
		out.FormatCaller = formatCaller
		out.FormatTimestamp = func(i any) string {
			return formatTimestamp(i, timeLayout)
		}
		l = log.Output(out).With().CallerWithSkipFrameCount(3).Logger()
	}

	return &Adapter{&l}, nil
}

func formatLevel(i any) string {
	level, ok := i.(string)
	if !ok {
		return term.Whitef("[???]")
	}

	switch level {
	case zerolog.LevelTraceValue:
		return term.Cyanf("[TRC]")
	case zerolog.LevelDebugValue:
		return term.Cyanf("[DBG]")
	case zerolog.LevelInfoValue:
		return term.Greenf("[INF]")
	case zerolog.LevelWarnValue:
		return term.Yellowf("[WRN]")
	case zerolog.LevelErrorValue:
		return term.Redf("[ERR]")
	case zerolog.LevelFatalValue:
		return term.Redf("[FTL]")
	case zerolog.LevelPanicValue:
		return term.Redf("[PNC]")
	default:
		return term.Whitef("[???]")
	}
}

func formatMessage(i any) string {
	const width = 72

	msg, ok := i.(string)
	if !ok || msg == "" {
		return ">"
	}
	if len(msg) > width {
		msg = msg[:width]
	} else {
		msg += strings.Repeat(" ", width-len(msg))
	}
	return term.Whitef("> %s", msg)
}

func formatCaller(i any) string {
	const fileWidth = 16

	src, ok := i.(string)
	if !ok || src == "" {
		return ""
	}

	caller := filepath.Base(src)
	parts := strings.Split(caller, ":")
	if len(parts) != 2 {
		return term.Yellowf("[%s]", caller)
	}

	file, line := parts[0], parts[1]
	if len(file) > fileWidth {
		file = file[:fileWidth]
	} else {
		file = fmt.Sprintf("%-*s", fileWidth, file)
	}

	return term.Yellowf("[%s:%4s]", file, line)
}

func formatTimestamp(i any, timeLayout string) string {
	raw, ok := i.(string)
	if !ok {
		return term.Cyanf("[%v]", i)
	}

	ts, err := time.ParseInLocation(time.RFC3339, raw, time.Local)
	if err == nil {
		raw = ts.In(time.Local).Format(timeLayout)
	}
	return term.Cyanf("[%s]", raw)
}
