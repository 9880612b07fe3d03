// Package cmd implements the tsroute command line.
package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/tsroute/internal/config"
	"github.com/3leaps/tsroute/internal/observability"
)

// Exit codes, following sysexits.h.
const (
	ExitFailure         = 1
	ExitInvalidArgument = 64
	ExitInvalidData     = 65
	ExitUnavailable     = 69
	ExitConfig          = 78
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFailure
}

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile     string
	verbose     bool
	appIdentity *config.AppIdentity
)

var rootCmd = &cobra.Command{
	Use:   "tsroute",
	Short: "Route time-series writes to shards and run background chunk jobs",
	Long: `tsroute distributes incoming rows to storage shards by matcher rules or a
consistent hash ring, fans batches out to node groups and queues, and tracks
background chunk maintenance jobs.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a config file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
	setDefaults()
}

// setDefaults seeds the global viper instance that command flags bind to.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initApp(cmd *cobra.Command, args []string) error {
	if appIdentity == nil {
		appIdentity = config.DefaultIdentity()
	}
	config.SetIdentity(appIdentity)
	config.SetConfigFile(cfgFile)
	observability.InitCLILogger(appIdentity.BinaryName, verbose)
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity set during command initialisation.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// flagOverrides turns the changed flags of cmd into config overrides keyed
// by the dotted config paths in keys.
func flagOverrides(cmd *cobra.Command, keys map[string]string) map[string]any {
	v := viper.New()
	out := make(map[string]any)
	for flag, key := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			continue
		}
		setNested(out, key, v.Get(key))
	}
	return out
}

func setNested(m map[string]any, dotted string, v any) {
	parts := strings.Split(dotted, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}
