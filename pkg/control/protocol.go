// Package control implements the daemon's control channel: a unix socket
// carrying newline-delimited JSON. Each client connection is a requestor
// identity; the server tracks connection lifetime so subsystems can bind
// work to the liveness of the client that asked for it.
package control

// Method names.
const (
	MethodStartAudit   = "StartAudit"
	MethodCancelAudit  = "CancelAudit"
	MethodListAdapters = "ListAdapters"
)

// EventAuditComplete announces the outcome of a finished audit to the
// requestor that started it.
const EventAuditComplete = "auditComplete"

// Request is one client call, a single JSON object per line.
type Request struct {
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Address string `json:"address,omitempty"`
}

// Message is anything the daemon writes back: a reply when ID is set, an
// unsolicited event when Event is set.
type Message struct {
	ID    uint64     `json:"id,omitempty"`
	Error *ErrorInfo `json:"error,omitempty"`

	Event   string `json:"event,omitempty"`
	Address string `json:"address,omitempty"`
	Status  string `json:"status,omitempty"`

	// Probe results; nil when the remote did not report them.
	MTU         *uint16 `json:"mtu,omitempty"`
	FeatureMask *uint32 `json:"featureMask,omitempty"`

	Adapters []AdapterInfo `json:"adapters,omitempty"`
}

// AdapterInfo is the wire form of a local controller.
type AdapterInfo struct {
	ID      uint16 `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}
