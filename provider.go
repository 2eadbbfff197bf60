package agentmux

import (
	"pkt.systems/agentmux/core"
	"pkt.systems/agentmux/internal/approval"
	"pkt.systems/agentmux/internal/transport/duplex"
	"pkt.systems/agentmux/internal/transport/shim"
	"pkt.systems/agentmux/schema"
)

// tierProvider selects the transport variant for a backend. This is the
// single place the backend's capability tier decides anything; everything
// downstream works against the adapter contract.
type tierProvider struct {
	duplex core.Adapter
	shim   core.Adapter
}

// NewAdapterProvider builds the default provider serving both transport
// variants from the service configuration.
func NewAdapterProvider(cfg schema.ServiceConfig, logRawEvents bool) core.AdapterProvider {
	return tierProvider{
		duplex: duplex.NewAdapter(duplex.Config{
			InitTimeout:   cfg.InitTimeout,
			ShutdownGrace: cfg.ShutdownGrace,
			LogRawEvents:  logRawEvents,
		}),
		shim: shim.NewAdapter(shim.Config{
			StateDir:      cfg.StateDir,
			Policy:        approval.WithOverrides(cfg.ApprovalPolicy),
			ShutdownGrace: cfg.ShutdownGrace,
			LogRawEvents:  logRawEvents,
		}),
	}
}

func (p tierProvider) AdapterFor(kind schema.BackendKind) (core.Adapter, error) {
	caps, err := schema.CapabilitiesFor(kind)
	if err != nil {
		return nil, err
	}
	if caps.DuplexRPC {
		return p.duplex, nil
	}
	return p.shim, nil
}
