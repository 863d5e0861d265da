package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/virgil-audio/virgil/pkg/config"
	"github.com/virgil-audio/virgil/pkg/discovery"
	"github.com/virgil-audio/virgil/pkg/metrics"
	"github.com/virgil-audio/virgil/pkg/param"
	"github.com/virgil-audio/virgil/pkg/slave"
	"github.com/virgil-audio/virgil/pkg/transport"
	"github.com/virgil-audio/virgil/pkg/wire"
)

func GetSlaveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slave <device-name>",
		Short: "Run a Virgil slave endpoint",
		Long: `Runs a Virgil slave: announces itself over discovery, claims a multicast
base, serves ParameterRequest/ParameterCommand traffic, and emits periodic
per-channel telemetry.`,
		Args: cobra.ExactArgs(1),
		RunE: runSlave,
	}

	cmd.Flags().String("model", "PreampModelName", "Device model string")
	cmd.Flags().String("device-type", "digitalStageBox", "Device type string")
	cmd.Flags().String("channels", "", "Path to a channel-spec YAML file (defaults to the built-in channel template)")

	return cmd
}

func runSlave(cmd *cobra.Command, args []string) error {
	deviceName := args[0]

	env, err := GetEnvironment()
	if err != nil {
		return err
	}

	model, _ := cmd.Flags().GetString("model")
	deviceType, _ := cmd.Flags().GetString("device-type")
	channelsPath, _ := cmd.Flags().GetString("channels")

	var templates []param.Template
	if channelsPath != "" {
		templates, err = config.Load(channelsPath)
		if err != nil {
			return fmt.Errorf("loading channel spec: %w", err)
		}
	} else {
		templates = []param.Template{config.DefaultTemplate()}
	}

	sock, err := transport.Open(wire.VirgilPort)
	if err != nil {
		return fmt.Errorf("opening control socket: %w", err)
	}

	identity := discovery.Identity{DeviceName: deviceName, Function: discovery.FunctionSlave, Model: model, DeviceType: deviceType}
	agent, err := discovery.NewAgent(identity, env.Interface)
	if err != nil {
		sock.Close()
		return fmt.Errorf("starting discovery agent: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer, "slave")
	info := param.DeviceInfo{Model: model, DeviceType: deviceType, ProtocolVersion: wire.ProtocolVersion}
	orch := slave.New(identity, info, templates, sock, agent, m)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orch.Boot(ctx, discovery.DefaultScanDuration)
	fmt.Printf("virgil slave %q running\n", deviceName)

	<-ctx.Done()
	orch.Shutdown()
	return nil
}
