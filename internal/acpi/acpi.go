// Package acpi decodes the firmware tables the scanner consumes: the
// interrupt-controller table (MADT), the MMIO-configuration table (MCFG)
// and, on Intel machines, the DMA remapping table (DMAR). All three share
// the same framing: a 4-byte signature, a u32 total length, then
// variable-length entries carrying their own type+length sub-headers so
// unknown entry types can be skipped safely.
package acpi

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/hostscan/internal/fault"
	"github.com/tinyrange/hostscan/internal/iomem"
	"github.com/tinyrange/hostscan/internal/pci"
)

// MaxIOMMUUnits bounds the remapping units a machine may report.
const MaxIOMMUUnits = 8

const sdtHeaderLen = 36

// IOAPIC is one I/O interrupt controller from the MADT, later annotated
// with its owning IOMMU unit and synthetic BDF by the DMAR pass.
type IOAPIC struct {
	ID      uint8
	Address uint64
	GSIBase uint32

	IOMMUUnit int // -1 until claimed
	BDF       uint16
	HasBDF    bool
}

// IOMMUUnit is one DMA remapping hardware unit.
type IOMMUUnit struct {
	Base uint64
}

// MMConfig is the machine's single MMIO configuration window.
type MMConfig struct {
	Base    uint64
	LastBus uint8
}

func parseHeader(data []byte, signature string) (int, error) {
	if len(data) < sdtHeaderLen {
		return 0, fault.New(fault.MalformedDescriptor,
			"%s table truncated to %d bytes", signature, len(data))
	}
	if string(data[0:4]) != signature {
		return 0, fault.New(fault.MalformedDescriptor,
			"table signature %q, expected %q", data[0:4], signature)
	}
	length := int(binary.LittleEndian.Uint32(data[4:8]))
	if length < sdtHeaderLen || length > len(data) {
		return 0, fault.New(fault.MalformedDescriptor,
			"%s table declares %d bytes, blob has %d", signature, length, len(data))
	}
	return length, nil
}

// ParseMADT extracts the I/O APIC entries from the interrupt controller
// table. All other entry types are skipped.
func ParseMADT(data []byte) ([]IOAPIC, error) {
	length, err := parseHeader(data, "APIC")
	if err != nil {
		return nil, err
	}

	var ioapics []IOAPIC
	// Entries start after the local APIC address and flags words.
	offset := sdtHeaderLen + 8
	for offset+2 <= length {
		entryType := data[offset]
		entryLen := int(data[offset+1])
		if entryLen < 2 || offset+entryLen > length {
			return nil, fault.New(fault.MalformedDescriptor,
				"MADT entry at %#x with length %d", offset, entryLen)
		}
		if entryType == 1 { // I/O APIC
			if entryLen < 12 {
				return nil, fault.New(fault.MalformedDescriptor,
					"MADT I/O APIC entry truncated to %d bytes", entryLen)
			}
			ioapics = append(ioapics, IOAPIC{
				ID:        data[offset+2],
				Address:   uint64(binary.LittleEndian.Uint32(data[offset+4:])),
				GSIBase:   binary.LittleEndian.Uint32(data[offset+8:]),
				IOMMUUnit: -1,
			})
		}
		offset += entryLen
	}
	return ioapics, nil
}

// ParseMCFG extracts the MMIO configuration window. Exactly one window is
// supported; segment and start bus must both be zero.
func ParseMCFG(data []byte) (MMConfig, error) {
	length, err := parseHeader(data, "MCFG")
	if err != nil {
		return MMConfig{}, err
	}

	const (
		recordOffset = 44 // fixed header plus reserved bytes
		recordLen    = 12
	)
	if length < recordOffset+recordLen {
		return MMConfig{}, fault.New(fault.MalformedDescriptor,
			"MCFG table declares %d bytes, no config window fits", length)
	}
	if length > recordOffset+recordLen {
		return MMConfig{}, fault.New(fault.UnsupportedConfiguration,
			"MCFG table describes more than one config window")
	}

	base := binary.LittleEndian.Uint64(data[recordOffset:])
	segment := binary.LittleEndian.Uint16(data[recordOffset+8:])
	startBus := data[recordOffset+10]
	endBus := data[recordOffset+11]
	if segment != 0 {
		return MMConfig{}, fault.New(fault.MalformedDescriptor,
			"MCFG window on PCI segment %d", segment)
	}
	if startBus != 0 {
		return MMConfig{}, fault.New(fault.MalformedDescriptor,
			"MCFG window starts at bus %d", startBus)
	}
	return MMConfig{Base: base, LastBus: endBus}, nil
}

// DMAR entry and device-scope types.
const (
	dmarTypeHardwareUnit   = 0
	dmarTypeReservedMemory = 1

	scopeTypeEndpoint     = 1
	scopeTypeSubHierarchy = 2
	scopeTypeIOAPIC       = 3

	drhdFlagCatchAll = 1 << 0
)

type deviceScope struct {
	scopeType uint8
	id        uint8
	bus       uint8
	device    uint8
	function  uint8
}

// DMARResult carries what the remapping table contributes to the model.
type DMARResult struct {
	Units    []IOMMUUnit
	Reserved []iomem.Region
}

// ParseDMAR decodes the remapping table, resolving IOMMU ownership for the
// inventory's devices and the MADT's IOAPICs in place.
func ParseDMAR(data []byte, inv *pci.Inventory, ioapics []IOAPIC) (*DMARResult, error) {
	length, err := parseHeader(data, "DMAR")
	if err != nil {
		return nil, err
	}

	result := &DMARResult{}
	catchAll := -1

	// Entries start after the host address width, flags and reserved bytes.
	offset := sdtHeaderLen + 12
	for offset+4 <= length {
		entryType := binary.LittleEndian.Uint16(data[offset:])
		entryLen := int(binary.LittleEndian.Uint16(data[offset+2:]))
		if entryLen < 4 || offset+entryLen > length {
			return nil, fault.New(fault.MalformedDescriptor,
				"DMAR entry at %#x with length %d", offset, entryLen)
		}
		entry := data[offset : offset+entryLen]

		switch entryType {
		case dmarTypeHardwareUnit:
			if err := parseHardwareUnit(entry, inv, ioapics, result, &catchAll); err != nil {
				return nil, err
			}
		case dmarTypeReservedMemory:
			region, err := parseReservedMemory(entry)
			if err != nil {
				return nil, err
			}
			result.Reserved = append(result.Reserved, region)
		}
		offset += entryLen
	}

	if catchAll >= 0 {
		for _, dev := range inv.Devices {
			if dev.IOMMUUnit < 0 {
				dev.IOMMUUnit = catchAll
			}
		}
	}

	// Synthetic BDFs must stay pairwise distinct across IOAPICs.
	for i := range ioapics {
		if !ioapics[i].HasBDF {
			continue
		}
		for j := i + 1; j < len(ioapics); j++ {
			if ioapics[j].HasBDF && ioapics[i].BDF == ioapics[j].BDF {
				return nil, fault.New(fault.UnsupportedConfiguration,
					"IOAPICs %d and %d share BDF %04x", ioapics[i].ID, ioapics[j].ID, ioapics[i].BDF)
			}
		}
	}
	return result, nil
}

func parseHardwareUnit(entry []byte, inv *pci.Inventory, ioapics []IOAPIC,
	result *DMARResult, catchAll *int) error {
	if len(entry) < 16 {
		return fault.New(fault.MalformedDescriptor, "DMAR hardware unit entry truncated")
	}
	flags := entry[4]
	segment := binary.LittleEndian.Uint16(entry[6:])
	base := binary.LittleEndian.Uint64(entry[8:])
	if segment != 0 {
		return fault.New(fault.UnsupportedConfiguration,
			"DMAR hardware unit on PCI segment %d", segment)
	}
	if len(result.Units) >= MaxIOMMUUnits {
		return fault.New(fault.UnsupportedConfiguration,
			"more than %d DMA remapping units", MaxIOMMUUnits)
	}
	unit := len(result.Units)
	result.Units = append(result.Units, IOMMUUnit{Base: base})

	scopes, err := parseScopes(entry[16:])
	if err != nil {
		return err
	}
	if flags&drhdFlagCatchAll != 0 {
		if len(scopes) != 0 {
			return fault.New(fault.MalformedDescriptor,
				"catch-all remapping unit carries %d device scopes", len(scopes))
		}
		if *catchAll < 0 {
			*catchAll = unit
		}
		return nil
	}

	for _, scope := range scopes {
		switch scope.scopeType {
		case scopeTypeEndpoint:
			for _, dev := range inv.Devices {
				if dev.Bus == scope.bus && dev.Slot == scope.device && dev.Function == scope.function {
					dev.IOMMUUnit = unit
				}
			}
		case scopeTypeSubHierarchy:
			bridge := findDevice(inv, scope.bus, scope.device, scope.function)
			if bridge == nil || bridge.Kind != pci.KindBridge {
				continue
			}
			for _, dev := range inv.Devices {
				if dev.Bus >= bridge.SecondaryBus && dev.Bus <= bridge.SubordinateBus {
					dev.IOMMUUnit = unit
				}
			}
		case scopeTypeIOAPIC:
			for i := range ioapics {
				if ioapics[i].ID == scope.id {
					ioapics[i].IOMMUUnit = unit
					ioapics[i].BDF = uint16(scope.bus)<<8 |
						uint16(scope.device)<<3 | uint16(scope.function)
					ioapics[i].HasBDF = true
				}
			}
		}
	}
	return nil
}

func parseReservedMemory(entry []byte) (iomem.Region, error) {
	if len(entry) < 24 {
		return iomem.Region{}, fault.New(fault.MalformedDescriptor,
			"DMAR reserved memory entry truncated")
	}
	base := binary.LittleEndian.Uint64(entry[8:])
	limit := binary.LittleEndian.Uint64(entry[16:])
	if limit < base {
		return iomem.Region{}, fault.New(fault.MalformedDescriptor,
			"DMAR reserved memory region ends before it starts")
	}

	region := iomem.Region{
		Start: base,
		Stop:  limit,
		Label: "ACPI DMAR RMRR",
	}
	// Scopes are fixed eight-byte records. A bad record taints only its own
	// slot; the region and the remaining scopes stay usable.
	scopes := entry[24:]
	for offset := 0; offset < len(scopes); offset += 8 {
		if offset+8 > len(scopes) {
			region.Annotations = append(region.Annotations, "unrecognized device scope")
			break
		}
		if scopes[offset+1] != 8 {
			region.Annotations = append(region.Annotations, "unrecognized device scope")
			continue
		}
		region.Annotations = append(region.Annotations,
			fmt.Sprintf("device %02x:%02x.%x",
				scopes[offset+5], scopes[offset+6], scopes[offset+7]))
	}
	return region, nil
}

func parseScopes(data []byte) ([]deviceScope, error) {
	var scopes []deviceScope
	for offset := 0; offset+2 <= len(data); {
		scopeLen := int(data[offset+1])
		if scopeLen != 8 || offset+scopeLen > len(data) {
			return nil, fault.New(fault.MalformedDescriptor,
				"DMAR device scope with length %d", scopeLen)
		}
		scopes = append(scopes, deviceScope{
			scopeType: data[offset],
			id:        data[offset+4],
			bus:       data[offset+5],
			device:    data[offset+6],
			function:  data[offset+7],
		})
		offset += scopeLen
	}
	return scopes, nil
}

func findDevice(inv *pci.Inventory, bus, device, function uint8) *pci.Device {
	for _, dev := range inv.Devices {
		if dev.Bus == bus && dev.Slot == device && dev.Function == function {
			return dev
		}
	}
	return nil
}

// ApplyAMDFallback force-assigns every device to IOMMU unit 0. AMD machines
// carry no remapping table this scanner can parse; the blanket assignment is
// a documented limitation, not a general solution.
func ApplyAMDFallback(inv *pci.Inventory) {
	for _, dev := range inv.Devices {
		dev.IOMMUUnit = 0
	}
}

// CheckResolved verifies every device ended up claimed by some unit.
func CheckResolved(inv *pci.Inventory) error {
	for _, dev := range inv.Devices {
		if dev.IOMMUUnit < 0 {
			return fault.New(fault.UnresolvedIOMMU,
				"device %s was not claimed by any remapping unit", dev)
		}
	}
	return nil
}
