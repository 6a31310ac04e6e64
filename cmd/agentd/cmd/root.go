// Package cmd implements the agentd command line: flag parsing and
// collaborator wiring for internal/kernel, in a flags-then-defaults shape:
// anything not set here is defaulted inside kernel.New.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetd/agent/internal/controlplane"
	"github.com/fleetd/agent/internal/identity"
	"github.com/fleetd/agent/internal/kernel"
	"github.com/fleetd/agent/internal/nodeconfig"
	"github.com/fleetd/agent/internal/streammux"
)

const (
	DefaultStateDir       = "."
	DefaultLogLevel       = "info"
	DefaultStreamDeadline = 5 * time.Second
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Edge node agent kernel",
	Long: `agentd is the edge node agent: it polls the control plane, keeps
programs updated and running, and multiplexes their stdio over streams,
one cooperative scheduler tick at a time.

A bootstrap file (<dir>/agent.yaml: host, data_port, file_port, stream_port)
must already be in place; everything else (node config, identity, program
hashes) is synced from or persisted next to it.`,
	RunE: run,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.Flags()
	flags.String("dir", DefaultStateDir, "state directory (agent.yaml, cert.json, config.json, hashes.dat)")
	flags.String("name", "", "node name presented at registration")
	flags.String("firm", "", "firm name presented at registration")
	flags.String("log-level", DefaultLogLevel, "log level: debug, info, warn, error")
	flags.Duration("stream-deadline", DefaultStreamDeadline, "dial deadline for stream attach")
}

func run(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	dir, _ := flags.GetString("dir")
	name, _ := flags.GetString("name")
	firm, _ := flags.GetString("firm")
	levelFlag, _ := flags.GetString("log-level")
	streamDeadline, _ := flags.GetDuration("stream-deadline")

	level, err := parseLevel(levelFlag)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	bootPath := filepath.Join(dir, "agent.yaml")
	boot, err := nodeconfig.LoadBootstrap(bootPath)
	if err != nil {
		return err
	}
	if boot.Host == "" {
		return fmt.Errorf("%s has no host configured; place a bootstrap file before starting agentd", bootPath)
	}

	dataClient := controlplane.New(fmt.Sprintf("%s:%d", boot.Host, boot.DataPort), controlplane.MsgpackCodec{})
	fileClient := controlplane.New(fmt.Sprintf("%s:%d", boot.Host, boot.FilePort), controlplane.MsgpackCodec{})

	nc := nodeconfig.New(filepath.Join(dir, "config.json"), dataClient.GetPointConfig, log)
	identStore := identity.NewStore(filepath.Join(dir, "cert.json"))

	k, err := kernel.New(kernel.Config{
		DataClient:   dataClient,
		FileClient:   fileClient,
		NodeConfig:   nc,
		Identity:     identStore,
		HashesPath:   filepath.Join(dir, "hashes.dat"),
		StagingDir:   filepath.Join(dir, "temp_download"),
		SpillDir:     filepath.Join(dir, "temp_send_data"),
		StreamDialer: streammux.DialStream(boot.Host, boot.StreamPort, streamDeadline),
		NodeName:     name,
		FirmName:     firm,
		Log:          log,
	})
	if err != nil {
		return fmt.Errorf("starting kernel: %w", err)
	}

	return k.Run(cmd.Context())
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q (want debug, info, warn, or error)", s)
	}
}
