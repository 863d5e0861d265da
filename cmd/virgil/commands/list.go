package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/virgil-audio/virgil/pkg/discovery"
	"github.com/virgil-audio/virgil/pkg/master"
	"github.com/virgil-audio/virgil/pkg/transport"
	"github.com/virgil-audio/virgil/pkg/wire"
)

func GetListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every Virgil device observed on the LAN",
		Long: `Listens for discovery announcements for a short window and prints every
known device record: presence, model, device type, and last known address.`,
		RunE: runList,
	}

	cmd.Flags().Duration("timeout", 5*time.Second, "How long to listen before printing results")

	return cmd
}

func runList(cmd *cobra.Command, args []string) error {
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

	identity := discovery.Identity{DeviceName: "virgil-cli-list", Function: discovery.FunctionMaster, Model: "virgil-cli", DeviceType: "computer"}
	agent, err := discovery.NewAgent(identity, env.Interface)
	if err != nil {
		return fmt.Errorf("starting discovery agent: %w", err)
	}

	orch := master.New(identity, sock, agent, nil)

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	orch.Boot(ctx)
	<-ctx.Done()
	orch.Shutdown()

	for _, d := range orch.ListDevices() {
		fmt.Printf("%s\tpresent=%v\tmodel=%s\tdeviceType=%s\tip=%s\tmulticastBase=%s\n",
			d.DeviceName, d.IsPresent, d.Model, d.DeviceType, d.IP, d.MulticastAddress)
	}
	return nil
}
