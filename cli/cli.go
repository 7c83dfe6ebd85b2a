// Package cli implements the ciesign command-line tool.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/mapo80/cie-middleware-mobile/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// options are the persistent flags shared by every command.
type options struct {
	configFile string
	envFile    string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
}

// NewRootCommand returns the ciesign command tree.
func NewRootCommand(version string) *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "ciesign",
		Short: "Sign and verify documents with the Italian electronic identity card",
		Long: `ciesign signs PDF, XML and raw documents with a CIE, a PKCS#11 token
or the built-in mock identity, and verifies the signatures it finds.

Configuration is read from an optional YAML file (--config) and from
CIESIGN_* environment variables, which may be loaded from a .env file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if o.logger != nil {
				_ = o.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&o.configFile, "config", "c", "", "YAML configuration file")
	flags.StringVar(&o.envFile, "env-file", "", "file of CIESIGN_* variables (default .env when present)")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "human readable debug logs")

	root.AddCommand(
		newSignCommand(o),
		newVerifyCommand(o),
		newFieldsCommand(o),
		newServeCommand(o, version),
	)
	return root
}

func (o *options) setup() error {
	if err := loadEnv(o.envFile); err != nil {
		return err
	}

	var err error
	if o.configFile != "" {
		o.cfg, err = config.Load(o.configFile)
	} else {
		o.cfg = config.Default()
		o.cfg.ApplyEnv()
		err = o.cfg.Validate()
	}
	if err != nil {
		return err
	}

	if o.verbose {
		o.logger, err = zap.NewDevelopment()
	} else {
		o.logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	return nil
}

// loadEnv loads path into the environment without overriding variables
// that are already set. An empty path loads .env if it exists.
func loadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
