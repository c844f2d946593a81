package capture

import (
	"fmt"
	"strings"

	"github.com/asheshgoplani/stdcapture/internal/lines"
	"github.com/asheshgoplani/stdcapture/stdio"
)

// Scope selects which writers a capture accepts bytes from.
type Scope int

const (
	// ScopeThread accepts only bytes written by the capture's worker.
	ScopeThread Scope = iota
	// ScopeAll accepts bytes from every writer.
	ScopeAll
)

func (s Scope) String() string {
	switch s {
	case ScopeThread:
		return "thread"
	case ScopeAll:
		return "all"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// ParseScope accepts "thread" or "all".
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "thread", "worker":
		return ScopeThread, nil
	case "all", "promiscuous":
		return ScopeAll, nil
	}
	return 0, fmt.Errorf("unknown scope %q (want thread or all)", s)
}

// Delivery selects whether captured bytes still reach the console.
type Delivery int

const (
	// Redirect keeps captured bytes off the original stream.
	Redirect Delivery = iota
	// Copy writes captured bytes to the original stream as well.
	Copy
)

func (d Delivery) String() string {
	switch d {
	case Redirect:
		return "redirect"
	case Copy:
		return "copy"
	default:
		return fmt.Sprintf("Delivery(%d)", int(d))
	}
}

// ParseDelivery accepts "redirect" or "copy".
func ParseDelivery(s string) (Delivery, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "redirect":
		return Redirect, nil
	case "copy":
		return Copy, nil
	}
	return 0, fmt.Errorf("unknown delivery %q (want redirect or copy)", s)
}

// Router decides which bytes a capture receives. The four Scope x Delivery
// combinations are the complete set of policies; all of them are blocking,
// so a byte accepted by a newer capture is not offered to older ones.
type Router struct {
	scope    Scope
	delivery Delivery
	target   stdio.Identity
}

// NewRouter returns the policy for scope and delivery. target is only
// consulted for ScopeThread.
func NewRouter(scope Scope, delivery Delivery, target stdio.Identity) Router {
	return Router{scope: scope, delivery: delivery, target: target}
}

func (r Router) Scope() Scope { return r.scope }
func (r Router) Delivery() Delivery { return r.delivery }
func (r Router) Target() stdio.Identity { return r.target }
func (r Router) Copies() bool { return r.delivery == Copy }
func (r Router) Blocking() bool { return true }
func (r Router) String() string { return r.scope.String() + "+" + r.delivery.String() }

// Accepts reports whether b written by writer belongs to this capture.
// It has no side effects.
func (r Router) Accepts(_ byte, writer stdio.Identity) bool {
	if r.scope == ScopeAll {
		return true
	}
	return writer != 0 && writer == r.target
}

// wrap binds the router to a sink and the streams that were live before
// capture began.
func (r Router) wrap(s *sink, origOut, origErr stdio.Stream) *interceptor {
	return &interceptor{router: r, sink: s, original: [2]stdio.Stream{origOut, origErr}}
}

// interceptor is one registry entry: a router bound to its sink.
type interceptor struct {
	router   Router
	sink     *sink
	original [2]stdio.Stream
}

// deliver hands p to the sink and, for Copy, to the original stream.
func (ic *interceptor) deliver(ch lines.Channel, writer stdio.Identity, p []byte) error {
	if err := ic.sink.write(ch, p); err != nil {
		return err
	}
	if ic.router.Copies() {
		if _, err := ic.original[ch].WriteAs(writer, p); err != nil {
			return err
		}
	}
	return nil
}
