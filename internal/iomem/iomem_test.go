package iomem

import (
	"strings"
	"testing"

	"github.com/tinyrange/hostscan/internal/fault"
)

const sampleListing = `00000000-00000fff : reserved
00001000-0009ffff : System RAM
000a0000-000fffff : reserved
  000f0000-000fffff : System ROM
00100000-3fffffff : System RAM
  01000000-01ffffff : Kernel code
  02000000-024fffff : Kernel rodata
  02600000-0280ffff : Kernel data
  02b55000-02ffffff : Kernel bss
40000000-401fffff : PCI MMCONFIG 0000 [bus 00-01]
fec00000-fec003ff : IOAPIC 0
fed00000-fed003ff : reserved
  fed00000-fed003ff : HPET 0
fee00000-fee00fff : Local APIC
`

func mustParse(t *testing.T, listing string) *Tree {
	t.Helper()
	tree, err := ParseTree([]byte(listing))
	if err != nil {
		t.Fatalf("parse memory map: %v", err)
	}
	return tree
}

func TestRegionsFromSampleListing(t *testing.T) {
	regions := mustParse(t, sampleListing).Regions()

	want := []Region{
		{Start: 0x1000, Stop: 0x9ffff, Label: "System RAM", Class: ClassRAM},
		{Start: 0x100000, Stop: 0xffffff, Label: "System RAM", Class: ClassRAM},
		{Start: 0x1000000, Stop: 0x2ffffff, Label: "Kernel", Class: ClassKernel},
		{Start: 0x3000000, Stop: 0x3fffffff, Label: "System RAM", Class: ClassRAM},
		{Start: 0xfed00000, Stop: 0xfed003ff, Label: "HPET 0", Class: ClassHPET},
	}
	if len(regions) != len(want) {
		t.Fatalf("region count mismatch: got %d want %d\n%v", len(regions), len(want), regions)
	}
	for i := range want {
		got := regions[i]
		if got.Start != want[i].Start || got.Stop != want[i].Stop ||
			got.Label != want[i].Label || got.Class != want[i].Class {
			t.Errorf("region %d: got %v (%d), want %v (%d)", i, got, got.Class, want[i], want[i].Class)
		}
	}
}

func TestKernelSplitPartitionsParent(t *testing.T) {
	listing := `00100000-3fffffff : System RAM
  01000000-01ffffff : Kernel code
  02000000-024fffff : Kernel bss
`
	regions := mustParse(t, listing).Regions()
	if len(regions) != 3 {
		t.Fatalf("expected 3 fragments, got %d: %v", len(regions), regions)
	}

	// The fragments must partition the parent range with no gap or overlap.
	if regions[0].Start != 0x100000 {
		t.Errorf("head starts at %#x", regions[0].Start)
	}
	for i := 1; i < len(regions); i++ {
		if regions[i].Start != regions[i-1].Stop+1 {
			t.Errorf("gap or overlap between fragment %d and %d: %#x vs %#x",
				i-1, i, regions[i-1].Stop, regions[i].Start)
		}
	}
	if regions[2].Stop != 0x3fffffff {
		t.Errorf("tail ends at %#x", regions[2].Stop)
	}

	// 0x24fffff rounds up to the 16 MiB boundary at 0x3000000.
	if regions[1].Stop != 0x2ffffff {
		t.Errorf("kernel fragment ends at %#x, want 0x2ffffff", regions[1].Stop)
	}
}

func TestKernelSplitClampsToParent(t *testing.T) {
	listing := `00100000-020fffff : System RAM
  01000000-020fffff : Kernel code
`
	regions := mustParse(t, listing).Regions()
	if len(regions) != 2 {
		t.Fatalf("expected 2 fragments, got %d: %v", len(regions), regions)
	}
	// Rounding 0x20fffff up would pass the parent's end; the kernel
	// fragment must be clamped and the empty tail omitted.
	if regions[1].Class != ClassKernel || regions[1].Stop != 0x20fffff {
		t.Fatalf("kernel fragment %v not clamped to parent end", regions[1])
	}
}

func TestKernelSplitWholeParentKernel(t *testing.T) {
	listing := `01000000-01ffffff : System RAM
  01000000-01ffffff : Kernel code
`
	regions := mustParse(t, listing).Regions()
	if len(regions) != 1 {
		t.Fatalf("expected only the kernel fragment, got %v", regions)
	}
	if regions[0].Class != ClassKernel || regions[0].Start != 0x1000000 || regions[0].Stop != 0x1ffffff {
		t.Fatalf("unexpected fragment %v", regions[0])
	}
}

func TestRAMWithoutKernelKeptWhole(t *testing.T) {
	listing := `00100000-3fffffff : System RAM
  00200000-002fffff : Persistent Memory
`
	regions := mustParse(t, listing).Regions()
	if len(regions) != 1 {
		t.Fatalf("expected whole region, got %v", regions)
	}
	if regions[0].Start != 0x100000 || regions[0].Stop != 0x3fffffff {
		t.Fatalf("region %v not kept whole", regions[0])
	}
}

func TestNestedRegionsRecurseIntoChildren(t *testing.T) {
	listing := `e0000000-efffffff : PCI Bus 0000:00
  e0000000-e00fffff : 0000:00:02.0
  e0100000-e01fffff : 0000:00:03.0
`
	regions := mustParse(t, listing).Regions()
	if len(regions) != 2 {
		t.Fatalf("expected leaf regions only, got %v", regions)
	}
	if regions[0].Label != "0000:00:02.0" || regions[1].Label != "0000:00:03.0" {
		t.Fatalf("unexpected leaves %v", regions)
	}
}

func TestDroppedSubtrees(t *testing.T) {
	listing := `40000000-401fffff : PCI MMCONFIG 0000 [bus 00-01]
  40000000-400fffff : nested window
fed90000-fed91fff : dmar0
fee00000-fee00fff : Local APIC
`
	regions := mustParse(t, listing).Regions()
	if len(regions) != 0 {
		t.Fatalf("expected everything dropped, got %v", regions)
	}
}

func TestReservedSurfacesHPETOnly(t *testing.T) {
	listing := `fed00000-fed44fff : reserved
  fed00000-fed003ff : HPET 2
  fed40000-fed44fff : MSFT0101:00
`
	regions := mustParse(t, listing).Regions()
	if len(regions) != 1 || regions[0].Label != "HPET 2" {
		t.Fatalf("expected only the HPET leaf, got %v", regions)
	}
}

func TestDepthWalkUp(t *testing.T) {
	// The third line steps back two levels; it must attach as a sibling of
	// the first line, not of the second.
	listing := `00000000-0000ffff : outer
  00001000-00001fff : middle
    00001000-000010ff : inner
00010000-0001ffff : next
`
	tree := mustParse(t, listing)
	if len(tree.nodes[0].children) != 2 {
		t.Fatalf("root has %d children, want 2", len(tree.nodes[0].children))
	}
	next := tree.nodes[tree.nodes[0].children[1]]
	if next.region.Label != "next" || next.depth != 1 {
		t.Fatalf("unexpected second top-level node %v depth %d", next.region, next.depth)
	}
}

func TestParseTreeMalformed(t *testing.T) {
	for _, listing := range []string{
		"not a mapping line\n",
		"00100000 : System RAM\n",
		"zzz-00100000 : System RAM\n",
		"00100000-000fffff : System RAM\n", // ends before it starts
	} {
		if _, err := ParseTree([]byte(listing)); !fault.IsKind(err, fault.MalformedDescriptor) {
			t.Errorf("listing %q: got %v, want malformed descriptor", strings.TrimSpace(listing), err)
		}
	}
}

func TestCarveMSIX(t *testing.T) {
	base := Region{Start: 0x1000, Stop: 0x8fff, Label: "System RAM", Class: ClassRAM,
		Annotations: []string{"note"}}

	tests := []struct {
		name    string
		windows []MSIXWindow
		want    []Region
	}{
		{
			name:    "middle window leaves two fragments",
			windows: []MSIXWindow{{Address: 0x3000, Size: 0x1000}},
			want: []Region{
				{Start: 0x1000, Stop: 0x2fff},
				{Start: 0x4000, Stop: 0x8fff},
			},
		},
		{
			name:    "window at start leaves only tail",
			windows: []MSIXWindow{{Address: 0x1000, Size: 0x1000}},
			want:    []Region{{Start: 0x2000, Stop: 0x8fff}},
		},
		{
			name:    "window covering region leaves nothing",
			windows: []MSIXWindow{{Address: 0x1000, Size: 0x8000}},
			want:    nil,
		},
		{
			name:    "window outside leaves region untouched",
			windows: []MSIXWindow{{Address: 0x20000, Size: 0x1000}},
			want:    []Region{{Start: 0x1000, Stop: 0x8fff}},
		},
		{
			name: "region matches at most one window",
			windows: []MSIXWindow{
				{Address: 0x2000, Size: 0x1000},
				{Address: 0x5000, Size: 0x1000},
			},
			want: []Region{
				{Start: 0x1000, Stop: 0x1fff},
				{Start: 0x3000, Stop: 0x8fff},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CarveMSIX([]Region{base}, tt.windows)
			if len(got) != len(tt.want) {
				t.Fatalf("fragment count: got %d want %d (%v)", len(got), len(tt.want), got)
			}
			for i := range tt.want {
				if got[i].Start != tt.want[i].Start || got[i].Stop != tt.want[i].Stop {
					t.Errorf("fragment %d: got %v want %016x-%016x",
						i, got[i], tt.want[i].Start, tt.want[i].Stop)
				}
				// Fragments keep the original classification and notes.
				if got[i].Class != ClassRAM || len(got[i].Annotations) != 1 {
					t.Errorf("fragment %d lost classification or annotations: %+v", i, got[i])
				}
			}
		})
	}
}

func TestFixFirstPage(t *testing.T) {
	tests := []struct {
		name  string
		first Region
		want  uint64
	}{
		{"RAM at page one is pulled down", Region{Start: 0x1000, Stop: 0x9ffff, Class: ClassRAM}, 0},
		{"RAM elsewhere untouched", Region{Start: 0x2000, Stop: 0x9ffff, Class: ClassRAM}, 0x2000},
		{"non-RAM untouched", Region{Start: 0x1000, Stop: 0x9ffff, Class: ClassHPET}, 0x1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regions := []Region{tt.first}
			FixFirstPage(regions)
			if regions[0].Start != tt.want {
				t.Fatalf("start: got %#x want %#x", regions[0].Start, tt.want)
			}
		})
	}
}

func TestRegionSizeRoundsUpToPage(t *testing.T) {
	tests := []struct {
		start, stop uint64
		want        uint64
	}{
		{0x1000, 0x1fff, 0x1000},
		{0x1000, 0x2000, 0x2000},
		{0x1000, 0x1000, 0x1000},
	}
	for _, tt := range tests {
		r := Region{Start: tt.start, Stop: tt.stop}
		if got := r.Size(); got != tt.want {
			t.Errorf("size of %016x-%016x: got %#x want %#x", tt.start, tt.stop, got, tt.want)
		}
	}
}
