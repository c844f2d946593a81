package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/stdcapture/internal/config"
)

type configJSON struct {
	File      string `json:"file"`
	Separator string `json:"separator"`
	MaxWait   string `json:"max_wait"`
	MaxBytes  int    `json:"max_bytes"`
	LogDir    string `json:"log_dir"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	Debug     bool   `json:"debug"`
}

func handleConfig(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	path := fs.String("file", "", "Config file to load instead of the default location")

	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: stdcapture config [options]")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Show the configuration after file and environment overrides.")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return 2
	}
	out := NewCLIOutput(*jsonOutput, stdout, stderr)

	cfg, err := config.Load(*path)
	if err != nil {
		out.Error(err.Error(), ErrCodeConfig)
		return 1
	}

	human, err := formatConfig(cfg)
	if err != nil {
		out.Error(err.Error(), ErrCodeConfig)
		return 1
	}
	out.Print(human, configJSON{
		File:      cfg.File,
		Separator: cfg.Separator,
		MaxWait:   cfg.MaxWaitDuration.String(),
		MaxBytes:  cfg.MaxBytes,
		LogDir:    cfg.Logging.Dir,
		LogLevel:  cfg.Logging.Level,
		LogFormat: cfg.Logging.Format,
		Debug:     cfg.Logging.Debug,
	})
	return 0
}

// formatConfig renders cfg as TOML preceded by where it came from.
func formatConfig(cfg *config.Config) (string, error) {
	var b bytes.Buffer
	source := "built-in defaults"
	if cfg.File != "" {
		source = cfg.File
	}
	fmt.Fprintf(&b, "# %s %s\n", bulletSymbol, labelStyle.Render("loaded from "+source))
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return b.String(), nil
}
