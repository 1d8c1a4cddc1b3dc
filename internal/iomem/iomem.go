// Package iomem parses the kernel's physical memory map listing into a
// region tree and reduces it to the flat region set the allocator carves
// from. Nesting in the listing is expressed purely through indentation, two
// spaces per level.
package iomem

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/hostscan/internal/fault"
)

const (
	// PageSize is the granularity all region sizes are rounded to.
	PageSize = 0x1000

	// kernelAlign rounds the synthesized kernel region's end up to the next
	// 16 MiB boundary so large-page mappings over the kernel stay intact.
	kernelAlign = 16 << 20
)

// Class is the classification tag assigned once at parse time and matched
// by tag in every later pass.
type Class int

const (
	ClassOther Class = iota
	ClassRAM
	ClassKernel
	ClassMMConfig
	ClassAPIC
	ClassDMAR
	ClassReserved
	ClassHPET
)

// Region is one physical address range. Start and Stop are inclusive.
type Region struct {
	Start       uint64
	Stop        uint64
	Label       string
	Class       Class
	Annotations []string
}

// Size returns the region's byte size rounded up to a whole page.
func (r Region) Size() uint64 {
	size := r.Stop - r.Start + 1
	return (size + PageSize - 1) &^ (PageSize - 1)
}

func (r Region) String() string {
	return fmt.Sprintf("%016x-%016x : %s", r.Start, r.Stop, r.Label)
}

// Classify assigns the tag for a source label.
func Classify(label string) Class {
	switch {
	case label == "System RAM":
		return ClassRAM
	case strings.HasPrefix(label, "Kernel "):
		return ClassKernel
	case strings.Contains(label, "PCI MMCONFIG"):
		return ClassMMConfig
	case strings.Contains(label, "APIC"):
		return ClassAPIC
	case strings.Contains(label, "dmar"):
		return ClassDMAR
	case label == "reserved":
		return ClassReserved
	case strings.Contains(label, "HPET"):
		return ClassHPET
	default:
		return ClassOther
	}
}

// The tree is an arena of nodes addressed by index. Parents are referenced
// by index, never owned, so upward traversal during construction cannot
// create ownership cycles. Node 0 is the synthetic root.
type node struct {
	region   Region
	depth    int
	parent   int
	children []int
}

type Tree struct {
	nodes []node
}

// ParseTree builds the region tree from the flat indented listing.
func ParseTree(data []byte) (*Tree, error) {
	t := &Tree{nodes: []node{{depth: 0, parent: -1}}}
	prev := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		region, depth, err := parseLine(line)
		if err != nil {
			return nil, err
		}

		// Walk up from the previous node until a node shallower than the
		// new line is found; the new node attaches below it. This covers
		// deeper (child), equal (sibling) and shallower lines alike.
		parent := prev
		for t.nodes[parent].depth >= depth {
			parent = t.nodes[parent].parent
		}

		idx := len(t.nodes)
		t.nodes = append(t.nodes, node{region: region, depth: depth, parent: parent})
		t.nodes[parent].children = append(t.nodes[parent].children, idx)
		prev = idx
	}
	if err := scanner.Err(); err != nil {
		return nil, fault.Wrap(fault.MalformedDescriptor, err, "memory map listing")
	}
	return t, nil
}

func parseLine(line string) (Region, int, error) {
	indent := 0
	for indent < len(line) && line[indent] == ' ' {
		indent++
	}
	depth := indent/2 + 1

	rangePart, label, found := strings.Cut(line[indent:], ":")
	if !found {
		return Region{}, 0, fault.New(fault.MalformedDescriptor, "memory map line %q", line)
	}
	startText, stopText, found := strings.Cut(strings.TrimSpace(rangePart), "-")
	if !found {
		return Region{}, 0, fault.New(fault.MalformedDescriptor, "memory map range %q", rangePart)
	}
	start, err := strconv.ParseUint(strings.TrimSpace(startText), 16, 64)
	if err != nil {
		return Region{}, 0, fault.Wrap(fault.MalformedDescriptor, err, "memory map line %q", line)
	}
	stop, err := strconv.ParseUint(strings.TrimSpace(stopText), 16, 64)
	if err != nil {
		return Region{}, 0, fault.Wrap(fault.MalformedDescriptor, err, "memory map line %q", line)
	}
	if stop < start {
		return Region{}, 0, fault.New(fault.MalformedDescriptor, "memory map range ends before it starts: %q", line)
	}

	text := strings.TrimSpace(label)
	return Region{Start: start, Stop: stop, Label: text, Class: Classify(text)}, depth, nil
}

// Regions runs the classification/splitting pass, producing the flat
// ordered region set.
func (t *Tree) Regions() []Region {
	var out []Region
	for _, child := range t.nodes[0].children {
		out = t.flatten(child, out)
	}
	return out
}

func (t *Tree) flatten(idx int, out []Region) []Region {
	n := t.nodes[idx]
	switch n.region.Class {
	case ClassMMConfig, ClassAPIC, ClassDMAR:
		// Dropped entirely, subtree included: these windows belong to the
		// supervisor, never to the region set.
		return out
	case ClassReserved:
		return t.surfaceHPET(idx, out)
	}

	if n.depth == 1 && n.region.Class == ClassRAM {
		return t.splitKernel(idx, out)
	}
	if len(n.children) == 0 {
		return append(out, n.region)
	}
	for _, child := range n.children {
		out = t.flatten(child, out)
	}
	return out
}

// surfaceHPET drops a reserved region but keeps any HPET descendant,
// searching the whole subtree.
func (t *Tree) surfaceHPET(idx int, out []Region) []Region {
	for _, child := range t.nodes[idx].children {
		if t.nodes[child].region.Class == ClassHPET {
			out = append(out, t.nodes[child].region)
		}
		out = t.surfaceHPET(child, out)
	}
	return out
}

// splitKernel keeps a top-level RAM region whole unless kernel sub-regions
// exist, in which case it is partitioned into up to three fragments: the RAM
// before the kernel, a synthesized kernel region rounded up to the next
// 16 MiB boundary (clamped to the parent), and the RAM after.
func (t *Tree) splitKernel(idx int, out []Region) []Region {
	n := t.nodes[idx]

	var kernelStart, kernelStop uint64
	seen := false
	for _, child := range t.nodes[idx].children {
		r := t.nodes[child].region
		if r.Class != ClassKernel {
			continue
		}
		if !seen {
			kernelStart = r.Start
			seen = true
		}
		if r.Stop > kernelStop {
			kernelStop = r.Stop
		}
	}
	if !seen {
		return append(out, n.region)
	}

	rounded := (kernelStop + kernelAlign) &^ (kernelAlign - 1)
	kernelStop = rounded - 1
	if kernelStop > n.region.Stop {
		kernelStop = n.region.Stop
	}

	if kernelStart > n.region.Start {
		head := n.region
		head.Stop = kernelStart - 1
		out = append(out, head)
	}
	out = append(out, Region{
		Start: kernelStart,
		Stop:  kernelStop,
		Label: "Kernel",
		Class: ClassKernel,
	})
	if kernelStop < n.region.Stop {
		tail := n.region
		tail.Start = kernelStop + 1
		out = append(out, tail)
	}
	return out
}

// MSIXWindow is one device's MSI-X table range to punch out of the set.
type MSIXWindow struct {
	Address uint64
	Size    uint64
}

// CarveMSIX splits any region containing a window's table address into head
// and tail fragments, dropping the window itself. A region matches at most
// one window.
func CarveMSIX(regions []Region, windows []MSIXWindow) []Region {
	out := make([]Region, 0, len(regions))
	for _, r := range regions {
		carved := false
		for _, w := range windows {
			if w.Address < r.Start || w.Address > r.Stop {
				continue
			}
			if w.Address > r.Start {
				head := r
				head.Stop = w.Address - 1
				out = append(out, head)
			}
			if w.Address+w.Size <= r.Stop {
				tail := r
				tail.Start = w.Address + w.Size
				out = append(out, tail)
			}
			carved = true
			break
		}
		if !carved {
			out = append(out, r)
		}
	}
	return out
}

// FixFirstPage rewrites a leading RAM region starting at the second page to
// begin at zero. Low memory is required for processor bring-up even though
// the source reports it reserved.
func FixFirstPage(regions []Region) {
	if len(regions) == 0 {
		return
	}
	if regions[0].Class == ClassRAM && regions[0].Start == PageSize {
		regions[0].Start = 0
	}
}
