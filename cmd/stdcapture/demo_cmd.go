package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/asheshgoplani/stdcapture/capture"
	"github.com/asheshgoplani/stdcapture/stdio"
)

func handleDemo(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	scopeFlag := fs.String("scope", "thread", "Capture scope: thread or all")
	deliveryFlag := fs.String("delivery", "redirect", "Delivery: redirect or copy")
	async := fs.Bool("async", false, "Run the work on its own worker")
	sep := fs.String("sep", "", "Line separator (default: configured separator)")
	maxWait := fs.Duration("max-wait", 0, "Bound for framework waits (default: configured max_wait)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: stdcapture demo [options] <text>...")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Print each argument as a line from inside a capture, plus one line")
		fmt.Fprintln(stderr, "from a bystander, then show what the capture saw.")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Examples:")
		fmt.Fprintln(stderr, "  stdcapture demo hello world")
		fmt.Fprintln(stderr, "  stdcapture demo --scope all --delivery copy hello")
		fmt.Fprintln(stderr, "  stdcapture demo --async --json hello")
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 2
	}
	out := NewCLIOutput(*jsonOutput, stdout, stderr)

	if fs.NArg() == 0 {
		out.Error("at least one line of text is required", ErrCodeInvalidArgs)
		return 2
	}
	scope, err := capture.ParseScope(*scopeFlag)
	if err != nil {
		out.Error(err.Error(), ErrCodeInvalidArgs)
		return 2
	}
	delivery, err := capture.ParseDelivery(*deliveryFlag)
	if err != nil {
		out.Error(err.Error(), ErrCodeInvalidArgs)
		return 2
	}

	var opts []capture.Option
	if *sep != "" {
		opts = append(opts, capture.WithSeparator(unescapeSeparator(*sep)))
	}
	if *maxWait > 0 {
		opts = append(opts, capture.WithMaxWait(*maxWait))
	}

	work := demoWork(fs.Args())
	res, err := runDemo(context.Background(), scope, delivery, *async, *maxWait, work, opts)
	if err != nil {
		out.Error(err.Error(), ErrCodeCaptureFailed)
		return 1
	}
	res.Policy = capture.NewRouter(scope, delivery, 0).String()
	out.Print(formatDemo(res), res)
	return 0
}

type demoResult struct {
	Policy string   `json:"policy"`
	Async  bool     `json:"async"`
	Stdout []string `json:"stdout"`
	Stderr []string `json:"stderr"`
}

// demoWork prints texts on the worker's out stream and a warning on its
// err stream. A bystander with its own identity writes one line too.
func demoWork(texts []string) capture.Work {
	return func(ctx context.Context) error {
		for _, t := range texts {
			stdio.Println(ctx, t)
		}
		stdio.Eprintf(ctx, "%d lines written\n", len(texts))
		bystander := stdio.WithIdentity(context.Background(), stdio.NewIdentity())
		stdio.Println(bystander, "(bystander)")
		return nil
	}
}

func runDemo(ctx context.Context, scope capture.Scope, delivery capture.Delivery, async bool, maxWait time.Duration, work capture.Work, opts []capture.Option) (demoResult, error) {
	res := demoResult{Async: async}
	if !async {
		o, err := capture.Sync(ctx, scope, delivery, work, opts...)
		if err != nil {
			return res, err
		}
		res.Stdout, res.Stderr = o.StdoutSplit(), o.StderrSplit()
		return res, nil
	}

	o, err := capture.Async(ctx, scope, delivery, work, maxWait, opts...)
	if err != nil {
		return res, err
	}
	if err := o.Join(); err != nil {
		return res, err
	}
	if err := o.Err(); err != nil {
		return res, err
	}
	res.Stdout, res.Stderr = o.StdoutSplit(), o.StderrSplit()
	return res, nil
}

func formatDemo(r demoResult) string {
	var b strings.Builder
	mode := "sync"
	if r.Async {
		mode = "async"
	}
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("captured"), dimStyle.Render(r.Policy+", "+mode))
	for _, l := range r.Stdout {
		fmt.Fprintf(&b, "  out %s %s\n", bulletSymbol, visible(l))
	}
	for _, l := range r.Stderr {
		fmt.Fprintf(&b, "  err %s %s\n", bulletSymbol, visible(l))
	}
	if len(r.Stdout)+len(r.Stderr) == 0 {
		fmt.Fprintln(&b, dimStyle.Render("  (nothing)"))
	}
	return b.String()
}

func unescapeSeparator(s string) string {
	switch s {
	case `\n`:
		return "\n"
	case `\r\n`:
		return "\r\n"
	case `\r`:
		return "\r"
	}
	return s
}
