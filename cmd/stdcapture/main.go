package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asheshgoplani/stdcapture/internal/logging"
)

const Version = "0.3.0"

var cliLog = logging.ForComponent(logging.CompCLI)

// init sets up color profile for consistent terminal colors across environments
func init() {
	initColorProfile()
}

// initColorProfile configures the lipgloss color profile.
// STDCAPTURE_COLOR overrides detection: truecolor, 256, 16, none.
func initColorProfile() {
	if colorEnv := os.Getenv("STDCAPTURE_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	// Piped output gets no escape codes
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	// Stray log.Printf output must not land on the streams being captured
	log.SetFlags(0)
	log.SetOutput(logging.NewBridgeWriter(logging.CompCLI))

	code := run(os.Args[1:], os.Stdout, os.Stderr)
	logging.Shutdown()
	os.Exit(code)
}

// run dispatches a subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printHelp(stdout)
		return 0
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "stdcapture v%s\n", Version)
		return 0
	case "help", "--help", "-h":
		printHelp(stdout)
		return 0
	case "selfcheck", "check":
		return handleSelfCheck(args[1:], stdout, stderr)
	case "config":
		return handleConfig(args[1:], stdout, stderr)
	case "demo":
		return handleDemo(args[1:], stdout, stderr)
	}

	fmt.Fprintf(stderr, "Error: unknown command %q\n", args[0])
	fmt.Fprintln(stderr, "Run 'stdcapture help' for usage.")
	return 2
}

func printHelp(w io.Writer) {
	fmt.Fprintf(w, "stdcapture v%s\n", Version)
	fmt.Fprintln(w, "Capture the standard streams of a unit of work")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: stdcapture <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  selfcheck        Run the capture engine against its own checks")
	fmt.Fprintln(w, "  config           Show the resolved configuration")
	fmt.Fprintln(w, "  demo <text>...   Capture some text and show what was captured")
	fmt.Fprintln(w, "  version          Show version")
	fmt.Fprintln(w, "  help             Show this help")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  STDCAPTURE_CONFIG      Config file path")
	fmt.Fprintln(w, "  STDCAPTURE_SEPARATOR   Line separator (\\n, \\r\\n or \\r)")
	fmt.Fprintln(w, "  STDCAPTURE_MAX_WAIT    Bound for framework waits, e.g. 5s")
	fmt.Fprintln(w, "  STDCAPTURE_DEBUG       Write a diagnostic log")
	fmt.Fprintln(w, "  STDCAPTURE_COLOR       truecolor, 256, 16 or none")
}
