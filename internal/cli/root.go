// Package cli implements the chatsync command-line interface.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/config"
	"github.com/tOgg1/chatsync/internal/logging"
)

var (
	cfgFile        string
	envFile        string
	jsonOutput     bool
	jsonlOutput    bool
	verbose        bool
	nonInteractive bool
	logLevel       string
	identityFlag   string

	appConfig *config.Config
)

var errNoConfig = errors.New("configuration not loaded")

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Real-time conversation sync client",
	Long: `chatsync keeps a local, consistent view of conversations, timelines,
presence and read state in sync with a chat backend.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ~/.config/chatsync/config.yaml)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file read before environment overrides")
	flags.BoolVar(&jsonOutput, "json", false, "output JSON")
	flags.BoolVar(&jsonlOutput, "jsonl", false, "output JSON lines")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.BoolVar(&nonInteractive, "non-interactive", false, "never prompt or expect a terminal")
	flags.StringVar(&logLevel, "log-level", "", "override logging.level")
	flags.StringVar(&identityFlag, "as", "", "act as identity kind:id instead of the saved profile")
}

// Execute runs the root command.
func Execute(version string) error {
	rootCmd.Version = version
	return rootCmd.Execute()
}

func initConfig() error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader.SetConfigFile(cfgFile)
	}
	loader.SetEnvFile(envFile)

	cfg, err := loader.Load()
	if err != nil {
		return &PreflightError{
			Message:  err.Error(),
			Hint:     "Fix the config file or the CHATSYNC_* environment",
			NextStep: "chatsync profile show",
		}
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if verbose && logLevel == "" {
		cfg.Logging.Level = "debug"
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Format = cfg.Logging.Format
	logCfg.EnableCaller = cfg.Logging.EnableCaller
	logging.Init(logCfg)
	logging.Debug().
		Str("config", loader.ConfigFileUsed()).
		Str("base_url", logging.RedactURL(cfg.Server.BaseURL)).
		Msg("configuration loaded")

	appConfig = cfg
	return nil
}

// GetConfig returns the loaded configuration, or nil before initConfig.
func GetConfig() *config.Config {
	return appConfig
}

// IsJSONOutput reports whether --json was given.
func IsJSONOutput() bool {
	return jsonOutput
}

// IsJSONLOutput reports whether --jsonl was given.
func IsJSONLOutput() bool {
	return jsonlOutput
}

// IsVerbose reports whether --verbose was given.
func IsVerbose() bool {
	return verbose
}

// IsNonInteractive reports whether prompts and TTY features are disabled.
func IsNonInteractive() bool {
	return nonInteractive || !hasTTY()
}

// WriteOutput writes v as indented JSON, or as one line per element with --jsonl.
func WriteOutput(out io.Writer, v any) error {
	if IsJSONLOutput() {
		return writeJSONLines(out, v)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONLines(out io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	for _, item := range items {
		if _, err := fmt.Fprintln(out, string(item)); err != nil {
			return err
		}
	}
	return nil
}

// PreflightError is a user-facing failure with a suggested remedy.
type PreflightError struct {
	Message  string
	Hint     string
	NextStep string
}

func (e *PreflightError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Hint != "" {
		b.WriteString("\nhint: ")
		b.WriteString(e.Hint)
	}
	if e.NextStep != "" {
		b.WriteString("\ntry:  ")
		b.WriteString(e.NextStep)
	}
	return b.String()
}

// ExitWithError prints err to stderr and exits non-zero.
func ExitWithError(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
