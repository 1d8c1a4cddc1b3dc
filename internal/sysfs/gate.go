// Package sysfs gates every read the scanner performs against a static
// allow-list of procfs/sysfs paths. Required sources fail hard when
// unreadable; optional sources degrade to an empty stream.
package sysfs

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/tinyrange/hostscan/internal/fault"
	"github.com/tinyrange/hostscan/internal/platform"
)

// Paths the scanner is allowed to read. Anything else is a programming
// error, surfaced as an AccessDenied fault.
var (
	requiredPaths = []string{
		"/proc/iomem",
		"/proc/cpuinfo",
		"/proc/cmdline",
		"/proc/ioports",
		"/sys/firmware/acpi/tables/APIC",
		"/sys/firmware/acpi/tables/MCFG",
	}

	// Intel machines must also expose the DMA remapping table.
	intelPaths = []string{
		"/sys/firmware/acpi/tables/DMAR",
	}

	optionalPaths = []string{
		"/sys/class/dmi/id/product_name",
		"/sys/class/dmi/id/sys_vendor",
		"/sys/devices/hypervisor/enabled",
	}

	allowedGlobs = []string{
		"/sys/bus/pci/devices/*/config",
		"/sys/devices/system/cpu/cpu[0-9]*",
	}
)

// Gate reads allow-listed snapshot sources below a root directory. The root
// is "/" in production and a fixture tree in tests.
type Gate struct {
	root   string
	vendor platform.Vendor
}

func New(root string, vendor platform.Vendor) *Gate {
	if root == "" {
		root = "/"
	}
	return &Gate{root: root, vendor: vendor}
}

func (g *Gate) allowed(path string) (required bool, ok bool) {
	for _, p := range requiredPaths {
		if p == path {
			return true, true
		}
	}
	if g.vendor == platform.VendorIntel {
		for _, p := range intelPaths {
			if p == path {
				return true, true
			}
		}
	}
	for _, p := range optionalPaths {
		if p == path {
			return false, true
		}
	}
	return false, false
}

// ReadFile returns the contents of an allow-listed path. Required paths
// fail with SourceMissing when unreadable; optional paths return an empty
// slice instead.
func (g *Gate) ReadFile(path string) ([]byte, error) {
	required, ok := g.allowed(path)
	if !ok {
		return nil, fault.New(fault.AccessDenied, "path %s is not in the allow-list", path)
	}
	data, err := os.ReadFile(filepath.Join(g.root, path))
	if err != nil {
		if !required {
			return nil, nil
		}
		return nil, fault.Wrap(fault.SourceMissing, err, "required source %s", path)
	}
	return data, nil
}

// Glob lists paths matching an allow-listed wildcard pattern, in sorted
// order. The returned paths are root-relative, suitable for ReadFile on a
// gate allowing them (device config blobs are read directly here instead).
func (g *Gate) Glob(pattern string) ([]string, error) {
	allowed := false
	for _, p := range allowedGlobs {
		if p == pattern {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fault.New(fault.AccessDenied, "glob %s is not in the allow-list", pattern)
	}
	matches, err := filepath.Glob(filepath.Join(g.root, pattern))
	if err != nil {
		return nil, fault.Wrap(fault.SourceMissing, err, "glob %s", pattern)
	}
	for i, m := range matches {
		rel, err := filepath.Rel(g.root, m)
		if err != nil {
			return nil, fault.Wrap(fault.SourceMissing, err, "glob %s", pattern)
		}
		matches[i] = "/" + rel
	}
	sort.Strings(matches)
	return matches, nil
}

// ReadGlobbed reads a file previously returned by Glob. Glob results are
// trusted: the pattern was allow-list checked before expansion.
func (g *Gate) ReadGlobbed(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(g.root, path))
	if err != nil {
		return nil, fault.Wrap(fault.SourceMissing, err, "required source %s", path)
	}
	return data, nil
}
