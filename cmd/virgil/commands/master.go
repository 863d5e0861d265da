package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/virgil-audio/virgil/pkg/discovery"
	"github.com/virgil-audio/virgil/pkg/master"
	"github.com/virgil-audio/virgil/pkg/metrics"
	"github.com/virgil-audio/virgil/pkg/transport"
	"github.com/virgil-audio/virgil/pkg/wire"
)

func GetMasterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master <name>",
		Short: "Run a Virgil master process",
		Long: `Runs a Virgil master: listens for slave announcements, requests their full
parameter tree on presence, and keeps the device registry up to date.`,
		Args: cobra.ExactArgs(1),
		RunE: runMaster,
	}

	return cmd
}

func runMaster(cmd *cobra.Command, args []string) error {
	name := args[0]

	env, err := GetEnvironment()
	if err != nil {
		return err
	}

	sock, err := transport.Open(wire.VirgilPort)
	if err != nil {
		return fmt.Errorf("opening control socket: %w", err)
	}

	identity := discovery.Identity{DeviceName: name, Function: discovery.FunctionMaster, Model: "virgil-cli", DeviceType: "computer"}
	agent, err := discovery.NewAgent(identity, env.Interface)
	if err != nil {
		sock.Close()
		return fmt.Errorf("starting discovery agent: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer, "master")
	orch := master.New(identity, sock, agent, m)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orch.Boot(ctx)
	fmt.Printf("virgil master %q running\n", name)

	<-ctx.Done()
	orch.Shutdown()
	return nil
}
