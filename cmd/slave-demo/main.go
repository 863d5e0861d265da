package main

import (
	"context"
	"time"

	"github.com/virgil-audio/virgil/pkg/config"
	"github.com/virgil-audio/virgil/pkg/discovery"
	"github.com/virgil-audio/virgil/pkg/param"
	"github.com/virgil-audio/virgil/pkg/slave"
	"github.com/virgil-audio/virgil/pkg/transport"
	"github.com/virgil-audio/virgil/pkg/wire"
)

func main() {
	sock, err := transport.Open(wire.VirgilPort)
	if err != nil {
		panic(err)
	}

	identity := discovery.Identity{
		DeviceName: "demo-preamp-1",
		Function:   discovery.FunctionSlave,
		Model:      "PreampModelName",
		DeviceType: "digitalStageBox",
	}
	agent, err := discovery.NewAgent(identity, nil)
	if err != nil {
		panic(err)
	}

	info := param.DeviceInfo{
		Model:           identity.Model,
		DeviceType:      identity.DeviceType,
		ProtocolVersion: wire.ProtocolVersion,
	}
	orch := slave.New(identity, info, []param.Template{config.DefaultTemplate()}, sock, agent, nil)

	ctx := context.Background()
	orch.Boot(ctx, discovery.DefaultScanDuration)
	defer orch.Shutdown()

	level := -20.0
	for {
		level -= 0.1
		if level < -60 {
			level = -20
		}
		orch.SimulateContinuous(0, "audioLevel", level)
		time.Sleep(time.Second)
	}
}
