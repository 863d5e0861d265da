package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/virgil-audio/virgil/pkg/wire"
)

// Version is the CLI build version, overridable via -ldflags at build
// time; it is independent of wire.ProtocolVersion.
var Version = "local-build"

func GetVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show CLI and protocol version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("virgil %s (protocol %s)\n", Version, wire.ProtocolVersion)
		},
	}
}
