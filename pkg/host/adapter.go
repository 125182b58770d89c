// Package host exposes the local Bluetooth controllers and the host-wide
// activity state (discovery, bonding, pending PIN requests) that gates
// control-channel operations.
package host

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/muxable/hostd/pkg/bdaddr"
)

func ioR(t, nr, size uintptr) uintptr {
	return (2 << 30) | (t << 8) | nr | (size << 16)
}

func ioctl(fd, op, arg uintptr) error {
	if _, _, ep := unix.Syscall(unix.SYS_IOCTL, fd, op, arg); ep != 0 {
		return ep
	}
	return nil
}

const (
	ioctlSize     = 4
	hciMaxDevices = 16
	typHCI        = 72 // 'H'
)

var (
	hciGetDeviceList = ioR(typHCI, 210, ioctlSize) // HCIGETDEVLIST
	hciGetDeviceInfo = ioR(typHCI, 211, ioctlSize) // HCIGETDEVINFO
)

type devListRequest struct {
	devNum     uint16
	devRequest [hciMaxDevices]struct {
		id  uint16
		opt uint32
	}
}

type devStats struct {
	errRX, errTX   uint32
	cmdTX, evtRX   uint32
	aclTX, aclRX   uint32
	scoTX, scoRX   uint32
	byteRX, byteTX uint32
}

type devInfo struct {
	devID      uint16
	name       [8]byte
	bdaddr     [6]byte
	flags      uint32
	devType    uint8
	features   [8]byte
	pktType    uint32
	linkPolicy uint32
	linkMode   uint32
	aclMTU     uint16
	aclPkts    uint16
	scoMTU     uint16
	scoPkts    uint16
	stat       devStats
}

// Adapter describes one local Bluetooth controller.
type Adapter struct {
	ID   uint16
	Name string
	Addr bdaddr.BDAddr
}

func (a Adapter) String() string {
	return fmt.Sprintf("%s (%s)", a.Name, a.Addr)
}

// Adapters enumerates the controllers known to the kernel.
func Adapters() ([]Adapter, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.BTPROTO_HCI)
	if err != nil {
		return nil, fmt.Errorf("host: create hci socket: %w", err)
	}
	defer unix.Close(fd)

	req := devListRequest{devNum: hciMaxDevices}
	if err := ioctl(uintptr(fd), hciGetDeviceList, uintptr(unsafe.Pointer(&req))); err != nil {
		return nil, fmt.Errorf("host: list hci devices: %w", err)
	}

	adapters := make([]Adapter, 0, req.devNum)
	for i := 0; i < int(req.devNum); i++ {
		a, err := deviceInfo(fd, req.devRequest[i].id)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}

// FindAdapter resolves one controller by device id. It re-queries the kernel
// on every call so a removed adapter is detected instead of dereferenced.
func FindAdapter(id uint16) (Adapter, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.BTPROTO_HCI)
	if err != nil {
		return Adapter{}, fmt.Errorf("host: create hci socket: %w", err)
	}
	defer unix.Close(fd)
	return deviceInfo(fd, id)
}

func deviceInfo(fd int, id uint16) (Adapter, error) {
	di := devInfo{devID: id}
	if err := ioctl(uintptr(fd), hciGetDeviceInfo, uintptr(unsafe.Pointer(&di))); err != nil {
		return Adapter{}, fmt.Errorf("host: hci%d info: %w", id, err)
	}
	name := di.name[:]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	return Adapter{ID: di.devID, Name: string(name), Addr: bdaddr.BDAddr(di.bdaddr)}, nil
}
