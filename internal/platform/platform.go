// Package platform derives scalar host facts from procfs text sources. The
// resulting Info value is computed once at the start of a scan and threaded
// into every component with vendor-conditional behavior.
package platform

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/tinyrange/hostscan/internal/fault"
)

type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorIntel
	VendorAMD
)

func (v Vendor) String() string {
	switch v {
	case VendorIntel:
		return "GenuineIntel"
	case VendorAMD:
		return "AuthenticAMD"
	default:
		return "unknown"
	}
}

// Info is the per-run platform snapshot.
type Info struct {
	Vendor      Vendor
	CPUCount    int
	PMTimerPort uint16
	ProductName string
	SysVendor   string
}

// ParseVendor extracts the CPU vendor from /proc/cpuinfo contents.
func ParseVendor(cpuinfo []byte) (Vendor, error) {
	scanner := bufio.NewScanner(bytes.NewReader(cpuinfo))
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found || strings.TrimSpace(key) != "vendor_id" {
			continue
		}
		switch strings.TrimSpace(value) {
		case "GenuineIntel":
			return VendorIntel, nil
		case "AuthenticAMD":
			return VendorAMD, nil
		default:
			return VendorUnknown, fault.New(fault.UnsupportedConfiguration,
				"unknown CPU vendor %q", strings.TrimSpace(value))
		}
	}
	return VendorUnknown, fault.New(fault.MalformedDescriptor, "no vendor_id in cpuinfo")
}

// ParsePMTimerPort extracts the ACPI power-management timer port from
// /proc/ioports contents. Lines follow the same "start-end : label" shape
// as the memory map, with nesting irrelevant here.
func ParsePMTimerPort(ioports []byte) (uint16, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(ioports))
	for scanner.Scan() {
		line := scanner.Text()
		rangePart, label, found := strings.Cut(line, ":")
		if !found || !strings.Contains(label, "ACPI PM_TMR") {
			continue
		}
		startText, _, found := strings.Cut(strings.TrimSpace(rangePart), "-")
		if !found {
			continue
		}
		start, err := strconv.ParseUint(startText, 16, 16)
		if err != nil {
			continue
		}
		return uint16(start), true
	}
	return 0, false
}
