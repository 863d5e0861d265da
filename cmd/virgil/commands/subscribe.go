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

func GetSubscribeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe <device-name> <channel-index>",
		Short: "Subscribe to a channel's multicast telemetry and print updates",
		Long: `Waits for the device to be discovered, joins its channel's multicast
telemetry group, and every 500 ms prints the channel's recorded fields if
they changed, until --duration elapses.`,
		Args: cobra.ExactArgs(2),
		RunE: runSubscribe,
	}

	cmd.Flags().Duration("discover-timeout", 5*time.Second, "How long to wait for discovery")
	cmd.Flags().Duration("duration", 10*time.Second, "How long to stay subscribed")

	return cmd
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	deviceName := args[0]
	channelIndex, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid channel index %q: %w", args[1], err)
	}

	env, err := GetEnvironment()
	if err != nil {
		return err
	}
	discoverTimeout, _ := cmd.Flags().GetDuration("discover-timeout")
	duration, _ := cmd.Flags().GetDuration("duration")

	sock, err := transport.Open(wire.VirgilPort)
	if err != nil {
		return fmt.Errorf("opening control socket: %w", err)
	}
	defer sock.Close()

	identity := discovery.Identity{DeviceName: "virgil-cli-subscribe", Function: discovery.FunctionMaster, Model: "virgil-cli", DeviceType: "computer"}
	agent, err := discovery.NewAgent(identity, env.Interface)
	if err != nil {
		return fmt.Errorf("starting discovery agent: %w", err)
	}

	orch := master.New(identity, sock, agent, nil)

	discoverCtx, cancelDiscover := context.WithTimeout(cmd.Context(), discoverTimeout)
	defer cancelDiscover()
	orch.Boot(discoverCtx)
	defer orch.Shutdown()

	if _, err := orch.WaitForDevice(discoverCtx, deviceName); err != nil {
		return fmt.Errorf("device %q not discovered within %s", deviceName, discoverTimeout)
	}
	if _, err := orch.Subscribe(deviceName, channelIndex); err != nil {
		return err
	}
	defer orch.Unsubscribe(deviceName, channelIndex)

	deadline := time.After(duration)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastPrinted string
	for {
		select {
		case <-deadline:
			return nil
		case <-ticker.C:
			d, ok := orch.Registry().Get(deviceName)
			if !ok {
				continue
			}
			ch, ok := d.Channels[channelIndex]
			if !ok {
				continue
			}
			line := fmt.Sprintf("%v", ch.Fields)
			if line != lastPrinted {
				fmt.Println(line)
				lastPrinted = line
			}
		}
	}
}
