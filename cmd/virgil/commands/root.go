package commands

import "github.com/spf13/cobra"

func GetRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "virgil",
		Short: "virgil is a command line tool for running and controlling Virgil LAN audio endpoints.",
		Long: `The virgil command runs a Virgil slave or master process, or talks to one already
running on the LAN.

One environment variable selects the interface:
- VIRGIL_IF: the network interface to bind discovery traffic to (the control
  socket is not bound to it)

For more on the Virgil protocol, see DESIGN.md in this repository.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		GetSlaveCommand(),
		GetMasterCommand(),
		GetListCommand(),
		GetGetCommand(),
		GetSetCommand(),
		GetSubscribeCommand(),
		GetVersionCommand(),
	)

	return cmd
}
