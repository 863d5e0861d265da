package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/virgil-audio/virgil/pkg/discovery"
	"github.com/virgil-audio/virgil/pkg/master"
	"github.com/virgil-audio/virgil/pkg/transport"
	"github.com/virgil-audio/virgil/pkg/wire"
)

func GetGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <device-name> <channel-index>",
		Short: "Read a channel's (or device's) current parameter values",
		Long: `Waits for the device to be discovered, requests the given channel
(-1 for device-level fields, -2 for device + every channel), and prints the
response fields.`,
		Args: cobra.ExactArgs(2),
		RunE: runGet,
	}

	cmd.Flags().Duration("timeout", 5*time.Second, "How long to wait for discovery and a reply")

	return cmd
}

func runGet(cmd *cobra.Command, args []string) error {
	deviceName := args[0]
	channelIndex, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid channel index %q: %w", args[1], err)
	}

	env, err := GetEnvironment()
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	sock, err := transport.Open(wire.VirgilPort)
	if err != nil {
		return fmt.Errorf("opening control socket: %w", err)
	}
	defer sock.Close()

	identity := discovery.Identity{DeviceName: "virgil-cli-get", Function: discovery.FunctionMaster, Model: "virgil-cli", DeviceType: "computer"}
	agent, err := discovery.NewAgent(identity, env.Interface)
	if err != nil {
		return fmt.Errorf("starting discovery agent: %w", err)
	}

	orch := master.New(identity, sock, agent, nil)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	orch.Boot(ctx)
	defer orch.Shutdown()

	if _, err := orch.WaitForDevice(ctx, deviceName); err != nil {
		return fmt.Errorf("device %q not discovered within %s", deviceName, timeout)
	}

	if err := orch.RequestChannel(deviceName, channelIndex); err != nil {
		return err
	}

	// give the listener loop a moment to ingest the reply
	time.Sleep(300 * time.Millisecond)

	d, ok := orch.Registry().Get(deviceName)
	if !ok {
		return fmt.Errorf("device %q vanished from the registry", deviceName)
	}
	if channelIndex < 0 {
		fmt.Printf("model=%s deviceType=%s protocolVersion=%s multicastBase=%s\n", d.Model, d.DeviceType, d.ProtocolVersion, d.MulticastAddress)
		if channelIndex == wire.AllScope {
			for _, idx := range orch.Registry().ChannelIndices(deviceName) {
				if ch, ok := d.Channels[idx]; ok {
					for name, v := range ch.Fields {
						fmt.Printf("channel %d: %s=%v\n", idx, name, v)
					}
				}
			}
		}
		return nil
	}
	ch, ok := d.Channels[channelIndex]
	if !ok {
		return fmt.Errorf("no response yet for channel %d", channelIndex)
	}
	for name, v := range ch.Fields {
		fmt.Printf("%s=%v\n", name, v)
	}
	return nil
}
