// Package memlayout carves the supervisor+payload reservation out of the
// machine's usable RAM regions.
package memlayout

import (
	"github.com/tinyrange/hostscan/internal/fault"
	"github.com/tinyrange/hostscan/internal/iomem"
)

// PreferredBase is tried first when the operator supplies no window: a slot
// below the 1 GiB mark that firmware rarely claims.
const PreferredBase = 0x3b000000

// Window is an operator-supplied reservation, typically parsed from a
// memmap= kernel boot parameter.
type Window struct {
	Start uint64
	Size  uint64
}

// Reserve carves a reservation of the given size out of the region set and
// returns its base address along with the rewritten set. Only regions
// classified as plain RAM are candidates; the synthesized kernel region is
// never touched.
func Reserve(regions []iomem.Region, size uint64, window *Window) (uint64, []iomem.Region, error) {
	if size == 0 || size%iomem.PageSize != 0 {
		return 0, nil, fault.New(fault.AllocationFailure,
			"reservation size %#x is not a whole number of pages", size)
	}

	if window != nil {
		if window.Size < size {
			return 0, nil, fault.New(fault.AllocationFailure,
				"operator window of %#x bytes is smaller than the %#x byte reservation",
				window.Size, size)
		}
		base, rewritten, ok := carve(regions, window.Start, window.Size)
		if !ok {
			return 0, nil, fault.New(fault.AllocationFailure,
				"no RAM region fully contains the operator window %#x+%#x",
				window.Start, window.Size)
		}
		return base, rewritten, nil
	}

	if base, rewritten, ok := carve(regions, PreferredBase, size); ok {
		return base, rewritten, nil
	}

	// Fall back to the tail of the highest-addressed RAM region large
	// enough to hold the reservation.
	best := -1
	for i, r := range regions {
		if r.Class != iomem.ClassRAM || r.Stop-r.Start+1 < size {
			continue
		}
		if best < 0 || r.Stop > regions[best].Stop {
			best = i
		}
	}
	if best < 0 {
		return 0, nil, fault.New(fault.AllocationFailure,
			"no RAM region can hold a %#x byte reservation", size)
	}

	base := regions[best].Stop - size + 1
	out := make([]iomem.Region, 0, len(regions))
	out = append(out, regions[:best]...)
	// An exact fit consumes the region entirely; leave nothing behind.
	if r := regions[best]; base > r.Start {
		r.Stop = base - 1
		out = append(out, r)
	}
	out = append(out, regions[best+1:]...)
	return base, out, nil
}

// carve splits the RAM region fully containing [start, start+size) into
// non-overlapping head/tail fragments, dropping the carved range.
func carve(regions []iomem.Region, start, size uint64) (uint64, []iomem.Region, bool) {
	stop := start + size - 1
	for i, r := range regions {
		if r.Class != iomem.ClassRAM || start < r.Start || stop > r.Stop {
			continue
		}
		out := make([]iomem.Region, 0, len(regions)+1)
		out = append(out, regions[:i]...)
		if start > r.Start {
			head := r
			head.Stop = start - 1
			out = append(out, head)
		}
		if stop < r.Stop {
			tail := r
			tail.Start = stop + 1
			out = append(out, tail)
		}
		out = append(out, regions[i+1:]...)
		return start, out, true
	}
	return 0, nil, false
}
