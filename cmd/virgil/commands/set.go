package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/virgil-audio/virgil/pkg/discovery"
	"github.com/virgil-audio/virgil/pkg/master"
	"github.com/virgil-audio/virgil/pkg/transport"
	"github.com/virgil-audio/virgil/pkg/wire"
)

func GetSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <device-name> <channel-index> <param>=<json-value> [<param>=<json-value> ...]",
		Short: "Send a ParameterCommand to a channel",
		Long: `Waits for the device to be discovered, sends a ParameterCommand with the
given parameter changes (values parsed as JSON, e.g. gain=10, pad=true,
transmitPower="high"), and prints the channel's fields as recorded in the
master's registry afterwards. ErrorResponse messages are not printed.`,
		Args: cobra.MinimumNArgs(3),
		RunE: runSet,
	}

	cmd.Flags().Duration("timeout", 5*time.Second, "How long to wait for discovery and a reply")

	return cmd
}

func runSet(cmd *cobra.Command, args []string) error {
	deviceName := args[0]
	channelIndex, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid channel index %q: %w", args[1], err)
	}

	changes := map[string]any{}
	for _, kv := range args[2:] {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("malformed assignment %q, expected <param>=<json-value>", kv)
		}
		var v any
		if err := json.Unmarshal([]byte(parts[1]), &v); err != nil {
			return fmt.Errorf("parsing value for %q: %w", parts[0], err)
		}
		changes[parts[0]] = v
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

	identity := discovery.Identity{DeviceName: "virgil-cli-set", Function: discovery.FunctionMaster, Model: "virgil-cli", DeviceType: "computer"}
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

	if err := orch.SendCommand(deviceName, channelIndex, changes); err != nil {
		return err
	}

	time.Sleep(300 * time.Millisecond)

	d, ok := orch.Registry().Get(deviceName)
	if !ok {
		return fmt.Errorf("device %q vanished from the registry", deviceName)
	}
	ch, ok := d.Channels[channelIndex]
	if !ok {
		fmt.Println("no response received yet")
		return nil
	}
	for name, v := range ch.Fields {
		fmt.Printf("%s=%v\n", name, v)
	}
	return nil
}
