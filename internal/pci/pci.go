// Package pci enumerates PCI devices from raw configuration-space blobs,
// decodes each device's capability chain and deduplicates structurally
// identical chains into a shared pool.
package pci

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/hostscan/internal/fault"
)

// Configuration-space register offsets.
const (
	regStatus       = 0x06
	regClassCode    = 0x0a
	regBAR0         = 0x10
	regSecondaryBus = 0x19
	regSubordinate  = 0x1a
	regCapPointer   = 0x34

	statusCapList = 1 << 4
)

// Standard capability IDs the decode table knows.
const (
	CapIDPowerManagement uint8 = 0x01
	CapIDMSI             uint8 = 0x05
	CapIDMSIX            uint8 = 0x11
)

type Access int

const (
	AccessReadOnly Access = iota
	AccessReadWrite
)

func (a Access) String() string {
	if a == AccessReadWrite {
		return "rw"
	}
	return "ro"
}

// Capability is one decoded entry of a device's capability chain.
type Capability struct {
	ID      uint8
	Offset  uint8
	Len     int
	Access  Access
	Content []byte

	// MSIXTableAddress is the absolute table address, MSI-X only.
	MSIXTableAddress uint64

	Annotations []string
}

// sameShape is the structural equality dedup uses: content differences
// across devices sharing a chain pattern are expected and ignored.
func (c *Capability) sameShape(o *Capability) bool {
	return c.ID == o.ID && c.Offset == o.Offset && c.Len == o.Len && c.Access == o.Access
}

type Kind int

const (
	KindEndpoint Kind = iota
	KindBridge
)

func (k Kind) String() string {
	if k == KindBridge {
		return "bridge"
	}
	return "endpoint"
}

// Device is one enumerated PCI function.
type Device struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
	Kind     Kind

	Caps       []Capability
	PoolOffset int // starting index of this device's chain in the shared pool

	// Bridge bus window, needed to resolve sub-hierarchy IOMMU scopes.
	SecondaryBus   uint8
	SubordinateBus uint8

	// IOMMUUnit is -1 until the remapping pass claims the device.
	IOMMUUnit int

	// Derived interrupt metadata, computed from the device's own decoded
	// content rather than the deduplicated pool.
	MSIVectors     int
	MSI64Bit       bool
	MSIXVectors    int
	MSIXRegionSize uint64
	MSIXTableAddr  uint64
}

// BDF returns the packed bus/device/function identity.
func (d *Device) BDF() uint16 {
	return uint16(d.Bus)<<8 | uint16(d.Slot)<<3 | uint16(d.Function)
}

func (d *Device) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", d.Domain, d.Bus, d.Slot, d.Function)
}

// Inventory is the device list plus the shared capability pool.
type Inventory struct {
	Devices []*Device
	Pool    []Capability
}

// Add decodes one device's configuration space and folds its capability
// chain into the inventory.
func (inv *Inventory) Add(domain uint16, bus, slot, function uint8, config []byte) (*Device, error) {
	dev := &Device{
		Domain:    domain,
		Bus:       bus,
		Slot:      slot,
		Function:  function,
		IOMMUUnit: -1,
	}
	if len(config) < 64 {
		return nil, fault.New(fault.MalformedDescriptor,
			"device %s: config space truncated to %d bytes", dev, len(config))
	}

	// PCI-to-PCI bridges are the only non-endpoint kind the scanner cares
	// about; their secondary/subordinate window feeds IOMMU scope matching.
	if binary.LittleEndian.Uint16(config[regClassCode:]) == 0x0604 {
		dev.Kind = KindBridge
		dev.SecondaryBus = config[regSecondaryBus]
		dev.SubordinateBus = config[regSubordinate]
	}

	caps, err := decodeCapabilities(dev, config)
	if err != nil {
		return nil, err
	}
	dev.Caps = caps
	inv.dedup(dev)
	inv.Devices = append(inv.Devices, dev)
	return dev, nil
}

// dedup reuses an existing pool chain when a previously recorded device has
// the same shape; only the pool's first capability accumulates identity
// annotations.
func (inv *Inventory) dedup(dev *Device) {
	if len(dev.Caps) == 0 {
		dev.PoolOffset = -1
		return
	}
	for _, other := range inv.Devices {
		if other.PoolOffset < 0 || len(other.Caps) != len(dev.Caps) {
			continue
		}
		match := true
		for i := range dev.Caps {
			if !dev.Caps[i].sameShape(&other.Caps[i]) {
				match = false
				break
			}
		}
		if match {
			dev.PoolOffset = other.PoolOffset
			first := &inv.Pool[other.PoolOffset]
			first.Annotations = append(first.Annotations, dev.String())
			return
		}
	}
	dev.PoolOffset = len(inv.Pool)
	chain := make([]Capability, len(dev.Caps))
	copy(chain, dev.Caps)
	chain[0].Annotations = append(chain[0].Annotations, dev.String())
	inv.Pool = append(inv.Pool, chain...)
}

func decodeCapabilities(dev *Device, config []byte) ([]Capability, error) {
	if binary.LittleEndian.Uint16(config[regStatus:])&statusCapList == 0 {
		return nil, nil
	}

	var caps []Capability
	visited := make(map[uint8]bool)

	ptr := config[regCapPointer] &^ 0x3
	for ptr != 0 {
		if visited[ptr] || int(ptr)+2 > len(config) {
			return nil, fault.New(fault.MalformedDescriptor,
				"device %s: capability chain loops at %#02x", dev, ptr)
		}
		visited[ptr] = true

		id := config[ptr]
		next := config[ptr+1] &^ 0x3

		c := Capability{ID: id, Offset: ptr, Len: 2, Access: AccessReadOnly}
		switch id {
		case CapIDPowerManagement:
			c.Len = 8
			c.Access = AccessReadWrite
		case CapIDMSI:
			// The message-control word must exist before it is read; a
			// truncated blob is a malformed descriptor, not a crash.
			if int(ptr)+4 > len(config) {
				return nil, errOverrun(dev, id, ptr)
			}
			msgctl := binary.LittleEndian.Uint16(config[ptr+2:])
			c.Len = 10
			if msgctl&(1<<7) != 0 { // 64-bit address capable
				c.Len += 4
				dev.MSI64Bit = true
			}
			if msgctl&(1<<8) != 0 { // per-vector masking
				c.Len += 10
			}
			c.Access = AccessReadWrite
			dev.MSIVectors = 1 << ((msgctl >> 1) & 0x7)
		case CapIDMSIX:
			// Message control plus the table offset/BIR word.
			if int(ptr)+8 > len(config) {
				return nil, errOverrun(dev, id, ptr)
			}
			c.Len = 12
			c.Access = AccessReadWrite
			msgctl := binary.LittleEndian.Uint16(config[ptr+2:])
			dev.MSIXVectors = int(msgctl&0x7ff) + 1
			dev.MSIXRegionSize = pageAlign(uint64(dev.MSIXVectors) * 16)

			addr, err := resolveMSIXTable(dev, config, ptr)
			if err != nil {
				return nil, err
			}
			dev.MSIXTableAddr = addr
			c.MSIXTableAddress = addr
		}

		if int(c.Offset)+c.Len > len(config) {
			return nil, errOverrun(dev, id, ptr)
		}
		c.Content = append([]byte(nil), config[c.Offset:int(c.Offset)+c.Len]...)
		caps = append(caps, c)
		ptr = next
	}
	return caps, nil
}

func errOverrun(dev *Device, id, offset uint8) error {
	return fault.New(fault.MalformedDescriptor,
		"device %s: capability %#02x at %#02x overruns config space", dev, id, offset)
}

// resolveMSIXTable reads the table offset/BAR-index word and resolves the
// absolute table address from the referenced BAR.
func resolveMSIXTable(dev *Device, config []byte, capOffset uint8) (uint64, error) {
	table := binary.LittleEndian.Uint32(config[capOffset+4:])
	bir := int(table & 0x7)
	tableOffset := uint64(table &^ 0x7)

	barOffset := regBAR0 + bir*4
	bar := binary.LittleEndian.Uint32(config[barOffset:])
	if bar&0x1 != 0 {
		return 0, fault.New(fault.MalformedDescriptor,
			"device %s: MSI-X table in I/O BAR %d", dev, bir)
	}
	base := uint64(bar &^ 0xf)
	if (bar>>1)&0x3 == 0x2 { // 64-bit memory BAR
		upper := binary.LittleEndian.Uint32(config[barOffset+4:])
		base |= uint64(upper) << 32
	}
	return base + tableOffset, nil
}

func pageAlign(size uint64) uint64 {
	const page = 0x1000
	return (size + page - 1) &^ (page - 1)
}
