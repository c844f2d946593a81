package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/asheshgoplani/stdcapture/capture"
	"github.com/asheshgoplani/stdcapture/internal/buffer"
	"github.com/asheshgoplani/stdcapture/internal/config"
	"github.com/asheshgoplani/stdcapture/internal/logging"
	"github.com/asheshgoplani/stdcapture/stdio"
)

// checkResult is one self-check outcome.
type checkResult struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

type selfCheckReport struct {
	OK     bool          `json:"ok"`
	Checks []checkResult `json:"checks"`
}

// checkEnv is what every check runs against: an in-memory console standing
// in for the process streams and the wait bound from the command line.
type checkEnv struct {
	out     *buffer.Unbounded
	err     *buffer.Unbounded
	maxWait time.Duration
}

func (e *checkEnv) reset() {
	e.out.Reset()
	e.err.Reset()
}

type selfCheck struct {
	name string
	run  func(ctx context.Context, env *checkEnv) error
}

var selfChecks = []selfCheck{
	{"redirect keeps output off the console", checkRedirect},
	{"copy echoes to the console", checkCopy},
	{"thread scope ignores other writers", checkThreadFilter},
	{"copy lets other writers through", checkCopyPassesOthers},
	{"inner thread capture hides from outer", checkNestedThread},
	{"promiscuous captures shadow and restore", checkPromiscuousNesting},
	{"work errors keep captured output", checkWorkError},
	{"panics become errors", checkPanic},
	{"sequential async captures", checkAsyncSequential},
	{"flush discards captured output", checkFlush},
	{"join times out on stuck work", checkJoinTimeout},
}

func handleSelfCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("selfcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	maxWait := fs.Duration("max-wait", 0, "Bound for each framework wait (default: configured max_wait)")
	dumpLog := fs.String("dump-log", "", "Write recent diagnostic log records to this file")

	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: stdcapture selfcheck [options]")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Exercise the capture engine in this process and report the results.")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 2
	}
	out := NewCLIOutput(*jsonOutput, stdout, stderr)

	wait := *maxWait
	if wait <= 0 {
		wait = config.Get().MaxWaitDuration
	}

	report := runSelfChecks(context.Background(), wait)

	if *dumpLog != "" {
		if err := logging.DumpRingBuffer(*dumpLog); err != nil {
			out.Error(fmt.Sprintf("dump log: %v", err), ErrCodeInvalidArgs)
		}
	}

	out.Print(formatReport(report), report)
	if !report.OK {
		return 1
	}
	return 0
}

// runSelfChecks swaps an in-memory console in for the process streams, runs
// every check against it and puts the streams back.
func runSelfChecks(ctx context.Context, maxWait time.Duration) selfCheckReport {
	env := &checkEnv{out: &buffer.Unbounded{}, err: &buffer.Unbounded{}, maxWait: maxWait}
	origOut, origErr := stdio.Swap(stdio.WriterStream(env.out), stdio.WriterStream(env.err))
	defer stdio.Swap(origOut, origErr)

	report := selfCheckReport{OK: true}
	for _, c := range selfChecks {
		env.reset()
		start := time.Now()
		err := c.run(ctx, env)
		if err == nil && capture.ActiveCount() != 0 {
			err = fmt.Errorf("%d captures still registered", capture.ActiveCount())
		}
		if n, rmErr := capture.RemoveAllActive(); n > 0 || rmErr != nil {
			err = errors.Join(err, rmErr)
		}

		res := checkResult{Name: c.name, OK: err == nil, Duration: time.Since(start).Round(time.Microsecond).String()}
		if err != nil {
			res.Error = err.Error()
			report.OK = false
			cliLog.Warn("selfcheck_failed", slog.String("check", c.name), slog.String("error", res.Error))
		}
		report.Checks = append(report.Checks, res)
	}
	cliLog.Info("selfcheck_finished", slog.Bool("ok", report.OK), slog.Int("checks", len(report.Checks)))
	return report
}

func formatReport(r selfCheckReport) string {
	var b strings.Builder
	passed := 0
	for _, c := range r.Checks {
		if c.OK {
			passed++
			fmt.Fprintf(&b, "%s %s %s\n", okStyle.Render(successSymbol), c.Name, dimStyle.Render(c.Duration))
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", failStyle.Render(errorSymbol), c.Name)
		fmt.Fprintf(&b, "    %s\n", c.Error)
	}
	b.WriteString("\n")
	summary := fmt.Sprintf("%d/%d checks passed", passed, len(r.Checks))
	if r.OK {
		b.WriteString(okStyle.Render(summary))
	} else {
		b.WriteString(failStyle.Render(summary))
	}
	b.WriteString("\n")
	return b.String()
}

func expectLines(what string, got, want []string) error {
	if !slices.Equal(got, want) {
		return fmt.Errorf("%s: got %q, want %q", what, got, want)
	}
	return nil
}

func expectConsole(env *checkEnv, want string) error {
	if got := string(env.out.Bytes()); got != want {
		return fmt.Errorf("console: got %q, want %q", got, want)
	}
	return nil
}

func checkRedirect(ctx context.Context, env *checkEnv) error {
	out, err := capture.Silence(ctx, func(ctx context.Context) error {
		stdio.Println(ctx, "a")
		stdio.Println(ctx, "b")
		return nil
	}, capture.WithMaxWait(env.maxWait))
	if err != nil {
		return err
	}
	return errors.Join(
		expectLines("stdout", out.StdoutLines(), []string{"a", "b"}),
		expectConsole(env, ""),
	)
}

func checkCopy(ctx context.Context, env *checkEnv) error {
	out, err := capture.Tee(ctx, func(ctx context.Context) error {
		stdio.Println(ctx, "a")
		return nil
	}, capture.WithMaxWait(env.maxWait))
	if err != nil {
		return err
	}
	return errors.Join(
		expectLines("stdout", out.StdoutLines(), []string{"a"}),
		expectConsole(env, "a\n"),
	)
}

func checkThreadFilter(ctx context.Context, env *checkEnv) error {
	out, err := capture.Silence(ctx, func(ctx context.Context) error {
		stdio.Println(ctx, "mine")
		stdio.Println(stdio.WithIdentity(ctx, stdio.NewIdentity()), "theirs")
		return nil
	}, capture.WithMaxWait(env.maxWait))
	if err != nil {
		return err
	}
	return errors.Join(
		expectLines("stdout", out.StdoutLines(), []string{"mine"}),
		expectConsole(env, ""),
	)
}

func checkCopyPassesOthers(ctx context.Context, env *checkEnv) error {
	out, err := capture.Tee(ctx, func(ctx context.Context) error {
		stdio.Println(ctx, "mine")
		stdio.Println(stdio.WithIdentity(ctx, stdio.NewIdentity()), "theirs")
		return nil
	}, capture.WithMaxWait(env.maxWait))
	if err != nil {
		return err
	}
	return errors.Join(
		expectLines("stdout", out.StdoutLines(), []string{"mine"}),
		expectConsole(env, "mine\ntheirs\n"),
	)
}

func checkNestedThread(ctx context.Context, env *checkEnv) error {
	var inner *capture.Output
	outer, err := capture.SilenceAll(ctx, func(ctx context.Context) error {
		var err error
		inner, err = capture.Silence(ctx, func(ctx context.Context) error {
			stdio.Println(ctx, "inner")
			return nil
		})
		stdio.Println(ctx, "outer")
		return err
	}, capture.WithMaxWait(env.maxWait))
	if err != nil {
		return err
	}
	return errors.Join(
		expectLines("inner", inner.StdoutLines(), []string{"inner"}),
		expectLines("outer", outer.StdoutLines(), []string{"outer"}),
	)
}

func checkPromiscuousNesting(ctx context.Context, env *checkEnv) error {
	var inner *capture.Output
	outer, err := capture.SilenceAll(ctx, func(ctx context.Context) error {
		stdio.Println(ctx, "before")
		var err error
		inner, err = capture.SilenceAll(ctx, func(ctx context.Context) error {
			stdio.Println(ctx, "during")
			return nil
		})
		stdio.Println(ctx, "after")
		return err
	}, capture.WithMaxWait(env.maxWait))
	if err != nil {
		return err
	}
	return errors.Join(
		expectLines("inner", inner.StdoutLines(), []string{"during"}),
		expectLines("outer", outer.StdoutLines(), []string{"before", "after"}),
		expectConsole(env, ""),
	)
}

var errBoom = errors.New("boom")

func checkWorkError(ctx context.Context, env *checkEnv) error {
	out, err := capture.Silence(ctx, func(ctx context.Context) error {
		stdio.Println(ctx, "partial")
		return errBoom
	}, capture.WithMaxWait(env.maxWait))
	if !errors.Is(err, errBoom) || !errors.Is(err, capture.ErrWorkFailed) {
		return fmt.Errorf("unexpected error: %v", err)
	}
	return expectLines("stdout", out.StdoutLines(), []string{"partial"})
}

func checkPanic(ctx context.Context, env *checkEnv) error {
	_, err := capture.Silence(ctx, func(ctx context.Context) error {
		panic("kaboom")
	}, capture.WithMaxWait(env.maxWait))
	var pe *capture.PanicError
	if !errors.As(err, &pe) || pe.Value != "kaboom" {
		return fmt.Errorf("unexpected error: %v", err)
	}
	return nil
}

func checkAsyncSequential(ctx context.Context, env *checkEnv) error {
	var errs []error
	for _, text := range []string{"x", "y"} {
		o, err := capture.SilenceAsync(ctx, func(ctx context.Context) error {
			stdio.Println(ctx, text)
			return nil
		}, env.maxWait)
		if err != nil {
			return err
		}
		if err := o.Join(); err != nil {
			return err
		}
		errs = append(errs, expectLines(text, o.StdoutLines(), []string{text}))
	}
	errs = append(errs, expectConsole(env, ""))
	return errors.Join(errs...)
}

func checkFlush(ctx context.Context, env *checkEnv) error {
	wrote := make(chan struct{})
	step := make(chan struct{})
	o, err := capture.SilenceAsync(ctx, func(ctx context.Context) error {
		stdio.Println(ctx, "1")
		close(wrote)
		<-step
		stdio.Println(ctx, "2")
		return nil
	}, env.maxWait)
	if err != nil {
		return err
	}
	<-wrote
	o.Flush()
	o.Flush()
	flushed := o.StdoutLines()
	close(step)
	if err := o.Join(); err != nil {
		return err
	}
	return errors.Join(
		expectLines("after flush", flushed, nil),
		expectLines("after join", o.StdoutLines(), []string{"2"}),
	)
}

func checkJoinTimeout(ctx context.Context, env *checkEnv) error {
	release := make(chan struct{})
	wait := min(env.maxWait, 50*time.Millisecond)
	o, err := capture.SilenceAsync(ctx, func(ctx context.Context) error {
		<-release
		return nil
	}, wait)
	if err != nil {
		return err
	}
	joinErr := o.Join()
	close(release)
	<-o.Done()
	if !errors.Is(joinErr, capture.ErrWaitTimedOut) {
		return fmt.Errorf("join: got %v, want a timeout", joinErr)
	}
	return o.Join()
}
