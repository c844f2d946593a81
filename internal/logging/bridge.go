package logging

import (
	"bytes"
	"log/slog"
	"strings"
)

// BridgeWriter is an io.Writer that turns stdlib log output into slog
// records. Installed with log.SetOutput, it keeps log.Printf calls from
// dependencies off the process streams, where they would be captured as if
// the work had printed them.
//
// A leading "[component] " prefix becomes the record's component field.
type BridgeWriter struct {
	component string
}

// NewBridgeWriter creates a writer whose records default to component.
func NewBridgeWriter(component string) *BridgeWriter {
	return &BridgeWriter{component: component}
}

// Write logs each non-empty line of p as one record.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(p, []byte("\n")) {
		msg := string(bytes.TrimSpace(line))
		if msg == "" {
			continue
		}
		msg = stripLogTimestamp(msg)

		component := bw.component
		if strings.HasPrefix(msg, "[") {
			if idx := strings.Index(msg, "] "); idx > 0 {
				component = strings.ToLower(msg[1:idx])
				msg = msg[idx+2:]
			}
		}
		// Resolved per write so a bridge installed before Init follows it.
		Logger().Info(msg, slog.String("component", component), slog.Bool("legacy", true))
	}
	return len(p), nil
}

// stripLogTimestamp removes the date/time prefix the log package adds with
// its default flags ("2006/01/02 15:04:05 ") or with Ltime alone.
func stripLogTimestamp(s string) string {
	if len(s) > 20 && s[4] == '/' && s[7] == '/' && s[10] == ' ' && s[13] == ':' && s[19] == ' ' {
		s = s[20:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		s = s[9:]
	}
	return s
}
