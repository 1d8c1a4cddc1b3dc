// Package hostscan discovers a machine's physical resource topology from
// procfs/sysfs snapshot sources and derives a conflict-free memory
// reservation for a partitioning supervisor and its guest payload.
//
// A scan is one synchronous pass over static inputs. The only discipline is
// ordering: PCI inventory before IOMMU resolution, interrupt controllers
// before the remapping table, and every region-contributing step before the
// allocator rewrites the region set.
package hostscan

import (
	"strconv"
	"strings"

	"github.com/tinyrange/hostscan/internal/acpi"
	"github.com/tinyrange/hostscan/internal/fault"
	"github.com/tinyrange/hostscan/internal/iomem"
	"github.com/tinyrange/hostscan/internal/memlayout"
	"github.com/tinyrange/hostscan/internal/pci"
	"github.com/tinyrange/hostscan/internal/platform"
	"github.com/tinyrange/hostscan/internal/sysfs"
)

// Default supervisor/payload sizes when the config leaves them zero.
const (
	DefaultSupervisorSize = 0x4000000 // 64 MiB
	DefaultPayloadSize    = 0x200000  // 2 MiB
)

// Fault kinds, re-exported for errors.Is checks by consumers.
const (
	AccessDenied             = fault.AccessDenied
	SourceMissing            = fault.SourceMissing
	MalformedDescriptor      = fault.MalformedDescriptor
	UnsupportedConfiguration = fault.UnsupportedConfiguration
	UnresolvedIOMMU          = fault.UnresolvedIOMMU
	AllocationFailure        = fault.AllocationFailure
)

// KindOf returns the fault kind of a scan error, if any.
func KindOf(err error) fault.Kind { return fault.KindOf(err) }

// Config controls a scan.
type Config struct {
	// Root is prepended to every source path. Empty means the live system;
	// tests and offline snapshots point it at a captured tree.
	Root string `yaml:"root"`

	// SupervisorSize and PayloadSize select the reservation split. Both
	// must be page-multiples; zero selects the default.
	SupervisorSize uint64 `yaml:"supervisor_size"`
	PayloadSize    uint64 `yaml:"payload_size"`
}

func (c *Config) normalize() {
	if c.SupervisorSize == 0 {
		c.SupervisorSize = DefaultSupervisorSize
	}
	if c.PayloadSize == 0 {
		c.PayloadSize = DefaultPayloadSize
	}
}

// Scan builds the resource model for the machine below cfg.Root.
func Scan(cfg Config) (*Model, error) {
	cfg.normalize()

	// Platform facts come first; vendor decides which sources are required
	// and whether the remapping table applies at all.
	boot := sysfs.New(cfg.Root, platform.VendorUnknown)
	cpuinfo, err := boot.ReadFile("/proc/cpuinfo")
	if err != nil {
		return nil, err
	}
	vendor, err := platform.ParseVendor(cpuinfo)
	if err != nil {
		return nil, err
	}
	gate := sysfs.New(cfg.Root, vendor)

	if err := checkInactive(gate); err != nil {
		return nil, err
	}

	info, err := gatherPlatform(gate, vendor)
	if err != nil {
		return nil, err
	}

	inv, err := scanPCI(gate)
	if err != nil {
		return nil, err
	}

	madt, err := gate.ReadFile("/sys/firmware/acpi/tables/APIC")
	if err != nil {
		return nil, err
	}
	ioapics, err := acpi.ParseMADT(madt)
	if err != nil {
		return nil, err
	}

	mcfgBlob, err := gate.ReadFile("/sys/firmware/acpi/tables/MCFG")
	if err != nil {
		return nil, err
	}
	mmconfig, err := acpi.ParseMCFG(mcfgBlob)
	if err != nil {
		return nil, err
	}

	var units []acpi.IOMMUUnit
	var rmrrs []iomem.Region
	switch vendor {
	case platform.VendorIntel:
		dmarBlob, err := gate.ReadFile("/sys/firmware/acpi/tables/DMAR")
		if err != nil {
			return nil, err
		}
		dmar, err := acpi.ParseDMAR(dmarBlob, inv, ioapics)
		if err != nil {
			return nil, err
		}
		units = dmar.Units
		rmrrs = dmar.Reserved
	case platform.VendorAMD:
		acpi.ApplyAMDFallback(inv)
	}
	if err := acpi.CheckResolved(inv); err != nil {
		return nil, err
	}

	regions, err := buildRegions(gate, inv, rmrrs)
	if err != nil {
		return nil, err
	}

	window, err := reservationWindow(gate)
	if err != nil {
		return nil, err
	}
	total := cfg.SupervisorSize + cfg.PayloadSize
	base, regions, err := memlayout.Reserve(regions, total, window)
	if err != nil {
		return nil, err
	}

	return &Model{
		Platform:       info,
		Regions:        regions,
		Devices:        inv.Devices,
		CapabilityPool: inv.Pool,
		IOAPICs:        ioapics,
		IOMMUUnits:     units,
		MMConfig:       mmconfig,
		Reserved: Reservation{
			Base:           base,
			SupervisorSize: cfg.SupervisorSize,
			PayloadSize:    cfg.PayloadSize,
		},
	}, nil
}

// checkInactive aborts when the snapshot was taken with the partitioning
// layer already active; its view of the machine is not the bare metal one.
func checkInactive(gate *sysfs.Gate) error {
	marker, err := gate.ReadFile("/sys/devices/hypervisor/enabled")
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(marker)) == "1" {
		return fault.New(fault.UnsupportedConfiguration,
			"snapshot collected while the supervisor is active")
	}
	return nil
}

func gatherPlatform(gate *sysfs.Gate, vendor platform.Vendor) (platform.Info, error) {
	info := platform.Info{Vendor: vendor}

	cpus, err := gate.Glob("/sys/devices/system/cpu/cpu[0-9]*")
	if err != nil {
		return info, err
	}
	info.CPUCount = len(cpus)

	ioports, err := gate.ReadFile("/proc/ioports")
	if err != nil {
		return info, err
	}
	info.PMTimerPort, _ = platform.ParsePMTimerPort(ioports)

	// Product strings are optional; absence leaves them empty.
	if name, err := gate.ReadFile("/sys/class/dmi/id/product_name"); err == nil {
		info.ProductName = strings.TrimSpace(string(name))
	}
	if sysVendor, err := gate.ReadFile("/sys/class/dmi/id/sys_vendor"); err == nil {
		info.SysVendor = strings.TrimSpace(string(sysVendor))
	}
	return info, nil
}

func scanPCI(gate *sysfs.Gate) (*pci.Inventory, error) {
	paths, err := gate.Glob("/sys/bus/pci/devices/*/config")
	if err != nil {
		return nil, err
	}

	inv := &pci.Inventory{}
	for _, path := range paths {
		parts := strings.Split(path, "/")
		if len(parts) < 2 {
			continue
		}
		address := parts[len(parts)-2]
		domain, bus, slot, function, err := parseAddress(address)
		if err != nil {
			return nil, err
		}
		if domain != 0 {
			return nil, fault.New(fault.UnsupportedConfiguration,
				"device %s is outside PCI segment 0", address)
		}
		config, err := gate.ReadGlobbed(path)
		if err != nil {
			return nil, err
		}
		if _, err := inv.Add(domain, bus, slot, function, config); err != nil {
			return nil, err
		}
	}
	return inv, nil
}

// parseAddress splits a sysfs device address like 0000:00:1f.2.
func parseAddress(address string) (domain uint16, bus, slot, function uint8, err error) {
	malformed := func() error {
		return fault.New(fault.MalformedDescriptor, "PCI device address %q", address)
	}

	domainText, rest, found := strings.Cut(address, ":")
	if !found {
		return 0, 0, 0, 0, malformed()
	}
	busText, rest, found := strings.Cut(rest, ":")
	if !found {
		return 0, 0, 0, 0, malformed()
	}
	slotText, fnText, found := strings.Cut(rest, ".")
	if !found {
		return 0, 0, 0, 0, malformed()
	}

	d, err := strconv.ParseUint(domainText, 16, 16)
	if err != nil {
		return 0, 0, 0, 0, malformed()
	}
	b, err := strconv.ParseUint(busText, 16, 8)
	if err != nil {
		return 0, 0, 0, 0, malformed()
	}
	s, err := strconv.ParseUint(slotText, 16, 8)
	if err != nil {
		return 0, 0, 0, 0, malformed()
	}
	f, err := strconv.ParseUint(fnText, 16, 8)
	if err != nil {
		return 0, 0, 0, 0, malformed()
	}
	return uint16(d), uint8(b), uint8(s), uint8(f), nil
}

// buildRegions runs the memory map passes in order: parse, flatten, MSI-X
// carve-out, first-page fix-up, then fold in the remapping table's reserved
// regions.
func buildRegions(gate *sysfs.Gate, inv *pci.Inventory, rmrrs []iomem.Region) ([]iomem.Region, error) {
	listing, err := gate.ReadFile("/proc/iomem")
	if err != nil {
		return nil, err
	}
	tree, err := iomem.ParseTree(listing)
	if err != nil {
		return nil, err
	}
	regions := tree.Regions()

	var windows []iomem.MSIXWindow
	for _, dev := range inv.Devices {
		if dev.MSIXTableAddr != 0 {
			windows = append(windows, iomem.MSIXWindow{
				Address: dev.MSIXTableAddr,
				Size:    dev.MSIXRegionSize,
			})
		}
	}
	regions = iomem.CarveMSIX(regions, windows)
	iomem.FixFirstPage(regions)

	return append(regions, rmrrs...), nil
}

// reservationWindow extracts an operator-supplied memmap=<size>$<start>
// reservation from the boot command line, if one exists.
func reservationWindow(gate *sysfs.Gate) (*memlayout.Window, error) {
	cmdline, err := gate.ReadFile("/proc/cmdline")
	if err != nil {
		return nil, err
	}
	return parseMemmapWindow(string(cmdline)), nil
}

func parseMemmapWindow(cmdline string) *memlayout.Window {
	for _, field := range strings.Fields(cmdline) {
		value, found := strings.CutPrefix(field, "memmap=")
		if !found {
			continue
		}
		sizeText, startText, found := strings.Cut(value, "$")
		if !found {
			continue
		}
		size, ok := parseSuffixedSize(sizeText)
		if !ok {
			continue
		}
		start, err := strconv.ParseUint(startText, 0, 64)
		if err != nil {
			continue
		}
		return &memlayout.Window{Start: start, Size: size}
	}
	return nil
}

func parseSuffixedSize(text string) (uint64, bool) {
	shift := 0
	switch {
	case strings.HasSuffix(text, "K"):
		shift, text = 10, strings.TrimSuffix(text, "K")
	case strings.HasSuffix(text, "M"):
		shift, text = 20, strings.TrimSuffix(text, "M")
	case strings.HasSuffix(text, "G"):
		shift, text = 30, strings.TrimSuffix(text, "G")
	}
	value, err := strconv.ParseUint(text, 0, 64)
	if err != nil {
		return 0, false
	}
	return value << shift, true
}
