package main

import (
	"context"
	"fmt"
	"time"

	"github.com/virgil-audio/virgil/pkg/discovery"
	"github.com/virgil-audio/virgil/pkg/master"
	"github.com/virgil-audio/virgil/pkg/transport"
	"github.com/virgil-audio/virgil/pkg/wire"
)

func main() {
	sock, err := transport.Open(wire.VirgilPort)
	if err != nil {
		panic(err)
	}

	identity := discovery.Identity{
		DeviceName: "demo-master",
		Function:   discovery.FunctionMaster,
		Model:      "virgil-demo",
		DeviceType: "computer",
	}
	agent, err := discovery.NewAgent(identity, nil)
	if err != nil {
		panic(err)
	}

	orch := master.New(identity, sock, agent, nil)
	ctx := context.Background()
	orch.Boot(ctx)
	defer orch.Shutdown()

	for range time.Tick(5 * time.Second) {
		for _, d := range orch.ListDevices() {
			fmt.Printf("%s present=%v model=%s ip=%s\n", d.DeviceName, d.IsPresent, d.Model, d.IP)
		}
	}
}
