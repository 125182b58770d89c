package host

import (
	"github.com/muxable/hostd/pkg/bdaddr"
)

// Activity tracks the host-wide discovery, bonding and PIN request state
// that other subsystems maintain and the control channel consults. It is
// confined to the event loop; no locking.
type Activity struct {
	discovering       bool
	periodicDiscovery bool
	inquiryIdle       bool

	bondingWith *bdaddr.BDAddr
	pinRequests map[bdaddr.BDAddr]struct{}
	pendingName *bdaddr.BDAddr
}

func NewActivity() *Activity {
	return &Activity{pinRequests: make(map[bdaddr.BDAddr]struct{})}
}

// SetDiscovering records whether a client-requested discovery is running.
func (a *Activity) SetDiscovering(on bool) { a.discovering = on }

// SetPeriodicDiscovery records the periodic discovery state; idle reports
// whether the periodic inquiry is currently between rounds.
func (a *Activity) SetPeriodicDiscovery(on, idle bool) {
	a.periodicDiscovery = on
	a.inquiryIdle = idle
}

// DiscoveryBlocks reports whether discovery activity must block a raw
// connection attempt: an active discovery, or a periodic discovery that is
// not sitting idle between rounds.
func (a *Activity) DiscoveryBlocks() bool {
	return a.discovering || (a.periodicDiscovery && !a.inquiryIdle)
}

// SetBonding records the address a bonding is in progress with, or clears it
// when nil.
func (a *Activity) SetBonding(addr *bdaddr.BDAddr) {
	if addr == nil {
		a.bondingWith = nil
		return
	}
	v := *addr
	a.bondingWith = &v
}

// Bonding reports whether any bonding is in progress.
func (a *Activity) Bonding() bool { return a.bondingWith != nil }

// AddPinRequest records an outstanding PIN request for addr.
func (a *Activity) AddPinRequest(addr bdaddr.BDAddr) {
	a.pinRequests[addr] = struct{}{}
}

// RemovePinRequest clears the outstanding PIN request for addr.
func (a *Activity) RemovePinRequest(addr bdaddr.BDAddr) {
	delete(a.pinRequests, addr)
}

// HasPinRequest reports whether a PIN request referencing addr is pending.
func (a *Activity) HasPinRequest(addr bdaddr.BDAddr) bool {
	_, ok := a.pinRequests[addr]
	return ok
}

// SetPendingNameRequest records a remote name request in flight.
func (a *Activity) SetPendingNameRequest(addr bdaddr.BDAddr) {
	v := addr
	a.pendingName = &v
}

// CancelPendingNameRequest drops any in-flight remote name request and
// reports whether there was one.
func (a *Activity) CancelPendingNameRequest() bool {
	had := a.pendingName != nil
	a.pendingName = nil
	return had
}
