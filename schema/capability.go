package schema

// CapabilityTier classifies the integration fidelity of a backend.
type CapabilityTier string

const (
	// TierFull marks backends speaking the duplex app-server protocol.
	TierFull CapabilityTier = "full"
	// TierCompatible marks backends driven through the terminal shim.
	TierCompatible CapabilityTier = "compatible"
)

// CapabilitySet enumerates the operations a backend supports. Components
// consult this table before attempting an operation; unsupported operations
// fail locally with ErrCapabilityUnsupported instead of timing out against
// the peer.
type CapabilitySet struct {
	Tier                CapabilityTier
	DuplexRPC           bool
	Interrupt           bool
	ApprovalsStructured bool
	Resume              bool
	Fork                bool
	Collaboration       bool
	McpApps             bool
}

// capabilityTable is the fixed backend capability mapping. Selection of the
// transport variant happens exactly once, at session start, from this table.
var capabilityTable = map[BackendKind]CapabilitySet{
	BackendCodex: {
		Tier:                TierFull,
		DuplexRPC:           true,
		Interrupt:           true,
		ApprovalsStructured: true,
		Resume:              true,
		Fork:                true,
		Collaboration:       true,
		McpApps:             true,
	},
	BackendGemini: {
		Tier:                TierFull,
		DuplexRPC:           true,
		Interrupt:           true,
		ApprovalsStructured: true,
		Resume:              true,
		Fork:                false,
		Collaboration:       false,
		McpApps:             true,
	},
	BackendClaude: {
		Tier:                TierCompatible,
		DuplexRPC:           false,
		Interrupt:           false,
		ApprovalsStructured: false,
		Resume:              true,
		Fork:                true,
		Collaboration:       false,
		McpApps:             false,
	},
	BackendCursor: {
		Tier:                TierCompatible,
		DuplexRPC:           false,
		Interrupt:           false,
		ApprovalsStructured: false,
		Resume:              false,
		Fork:                false,
		Collaboration:       false,
		McpApps:             false,
	},
}

// CapabilitiesFor returns the capability set for a backend kind.
func CapabilitiesFor(kind BackendKind) (CapabilitySet, error) {
	caps, ok := capabilityTable[kind]
	if !ok {
		return CapabilitySet{}, ErrBackendUnknown
	}
	return caps, nil
}

// KnownBackends lists the backend kinds present in the capability table.
func KnownBackends() []BackendKind {
	return []BackendKind{BackendCodex, BackendGemini, BackendClaude, BackendCursor}
}
