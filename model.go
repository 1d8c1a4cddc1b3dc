package hostscan

import (
	"github.com/tinyrange/hostscan/internal/acpi"
	"github.com/tinyrange/hostscan/internal/iomem"
	"github.com/tinyrange/hostscan/internal/pci"
	"github.com/tinyrange/hostscan/internal/platform"
)

// Re-exported model types. The scanner's packages stay internal; consumers
// see one aggregate.

type MemoryRegion = iomem.Region

type PCIDevice = pci.Device

type PCICapability = pci.Capability

type IOAPIC = acpi.IOAPIC

type IOMMUUnit = acpi.IOMMUUnit

type MMConfig = acpi.MMConfig

type PlatformInfo = platform.Info

// Reservation is the carved-out memory block and its supervisor/payload
// split.
type Reservation struct {
	Base           uint64
	SupervisorSize uint64
	PayloadSize    uint64
}

func (r Reservation) Total() uint64 {
	return r.SupervisorSize + r.PayloadSize
}

// Model is the complete resource model of one machine, assembled once per
// scan and immutable afterwards. It is the input an external configuration
// renderer works from; this package performs no rendering itself.
type Model struct {
	Platform PlatformInfo

	// Regions is the final flat region set, reservation already carved out.
	Regions []MemoryRegion

	Devices        []*PCIDevice
	CapabilityPool []PCICapability

	IOAPICs    []IOAPIC
	IOMMUUnits []IOMMUUnit
	MMConfig   MMConfig

	Reserved Reservation
}
