package stdio

import (
	"context"
	"fmt"
	"io"
)

type boundWriter struct {
	id  Identity
	err bool
}

// Write resolves the live stream on every call so a swap made while the
// writer is held takes effect immediately.
func (w boundWriter) Write(p []byte) (int, error) {
	if w.err {
		return Err().WriteAs(w.id, p)
	}
	return Out().WriteAs(w.id, p)
}

// Stdout returns a writer for the out stream tagged with ctx's identity.
func Stdout(ctx context.Context) io.Writer {
	id, _ := IdentityFrom(ctx)
	return boundWriter{id: id}
}

// Stderr returns a writer for the err stream tagged with ctx's identity.
func Stderr(ctx context.Context) io.Writer {
	id, _ := IdentityFrom(ctx)
	return boundWriter{id: id, err: true}
}

func Print(ctx context.Context, a ...any) {
	_, _ = fmt.Fprint(Stdout(ctx), a...)
}

func Println(ctx context.Context, a ...any) {
	_, _ = fmt.Fprintln(Stdout(ctx), a...)
}

func Printf(ctx context.Context, format string, a ...any) {
	_, _ = fmt.Fprintf(Stdout(ctx), format, a...)
}

func Eprint(ctx context.Context, a ...any) {
	_, _ = fmt.Fprint(Stderr(ctx), a...)
}

func Eprintln(ctx context.Context, a ...any) {
	_, _ = fmt.Fprintln(Stderr(ctx), a...)
}

func Eprintf(ctx context.Context, format string, a ...any) {
	_, _ = fmt.Fprintf(Stderr(ctx), format, a...)
}
