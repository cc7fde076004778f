// Command p2pmesh is the composition root and CLI entry point for the
// Tracker, Index Server, and Peer roles, per spec.md §6. It wires
// internal/config through internal/registry, internal/health, and
// internal/bootstrap into the three server components, following the
// teacher's cmd/synnergy/main.go cobra root-plus-subcommand shape.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"p2pmesh/internal/config"
)

// argError marks a usage mistake, mapped to exit code 2 per spec.md §6.
type argError struct{ msg string }

func (e *argError) Error() string { return e.msg }

var validComponents = map[string]bool{"tracker": true, "indexserver": true, "peer": true}

// parseComponents expands a comma-separated component list (or "all")
// into the concrete set of {tracker, indexserver, peer} to run.
func parseComponents(spec string) (map[string]bool, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, &argError{"components must not be empty"}
	}
	out := make(map[string]bool)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "all" {
			return map[string]bool{"tracker": true, "indexserver": true, "peer": true}, nil
		}
		if !validComponents[part] {
			return nil, &argError{fmt.Sprintf("unknown component %q, expected one of tracker,indexserver,peer,all", part)}
		}
		out[part] = true
	}
	return out, nil
}

// splitConfigArgs separates cobra's raw args into the components spec
// (first positional), --config.file=<path>, and the remaining
// --key=value pairs forwarded to config.ApplyArgs.
func splitConfigArgs(args []string) (components, configFile string, kvArgs []string, err error) {
	var positional []string
	for _, a := range args {
		if strings.HasPrefix(a, "--config.file=") {
			configFile = strings.TrimPrefix(a, "--config.file=")
			continue
		}
		if strings.HasPrefix(a, "--") {
			kvArgs = append(kvArgs, a)
			continue
		}
		positional = append(positional, a)
	}
	if len(positional) == 0 {
		return "", configFile, kvArgs, &argError{"missing <components> argument"}
	}
	return positional[0], configFile, kvArgs, nil
}

func loadConfig(configFile string, kvArgs []string) (*config.Config, error) {
	cfg := config.New(config.Defaults())
	_ = cfg.LoadDotEnv(".env")
	if err := cfg.LoadFile(configFile); err != nil {
		return nil, err
	}
	cfg.BindEnv()
	if err := cfg.ApplyArgs(kvArgs); err != nil {
		return nil, &argError{err.Error()}
	}
	return cfg, nil
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	return log
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "start <components> [--key=value ...]",
		Short:              "Start the requested components and run until signaled",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, configFile, kvArgs, err := splitConfigArgs(args)
			if err != nil {
				return err
			}
			components, err := parseComponents(spec)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(configFile, kvArgs)
			if err != nil {
				return err
			}
			log := newLogger()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m, err := buildMesh(ctx, cfg, components, log)
			if err != nil {
				return err
			}

			startupTimeout := time.Duration(cfg.GetInt("bootstrap.startup.timeout.seconds")) * time.Second
			if startupTimeout <= 0 {
				startupTimeout = 30 * time.Second
			}
			m.orch.PerServiceTimeout = startupTimeout

			if err := writePidFile(); err != nil {
				log.WithError(err).Warn("p2pmesh: could not write pid file")
			}
			defer removePidFile()

			if err := m.orch.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "p2pmesh started:", spec)

			<-ctx.Done()
			fmt.Fprintln(cmd.OutOrStdout(), "p2pmesh shutting down")

			shutdownTimeout := m.orch.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = 30 * time.Second
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return m.orch.Shutdown(shutdownCtx)
		},
	}
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "stop <components>",
		Short:              "Signal a running p2pmesh process to shut down",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, _, _, err := splitConfigArgs(args)
			if err != nil {
				return err
			}
			if _, err := parseComponents(spec); err != nil {
				return err
			}
			return signalRunningProcess()
		},
	}
}

func statusCmd() *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the bootstrap orchestrator's service states for a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd.OutOrStdout(), host, port)
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "health endpoint host")
	cmd.Flags().IntVar(&port, "port", 8080, "health endpoint port")
	return cmd
}

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var ae *argError
	if errors.As(err, &ae) {
		return 2
	}
	return 1
}

func main() {
	root := &cobra.Command{Use: "p2pmesh", SilenceUsage: true, SilenceErrors: true}
	root.AddCommand(startCmd(), stopCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "p2pmesh:", err)
		os.Exit(exitCodeFor(err))
	}
}
