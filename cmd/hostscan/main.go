// Command hostscan scans the local machine (or a captured snapshot tree)
// and prints a summary of the discovered resource model. It renders no
// configuration artifact; that belongs to downstream tooling.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/hostscan"
)

func loadConfig(path string) (hostscan.Config, error) {
	var cfg hostscan.Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func run() error {
	configPath := flag.String("config", "", "YAML scan configuration")
	root := flag.String("root", "", "scan a captured snapshot tree instead of the live system")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *root != "" {
		cfg.Root = *root
	}

	// Live config-space blobs are only fully readable by root; snapshot
	// trees carry whatever permissions the capture left them with.
	if cfg.Root == "" && unix.Geteuid() != 0 {
		return fmt.Errorf("scanning the live system requires root")
	}

	model, err := hostscan.Scan(cfg)
	if err != nil {
		return err
	}

	slog.Debug("scan complete",
		"regions", len(model.Regions),
		"devices", len(model.Devices),
		"ioapics", len(model.IOAPICs),
		"iommu_units", len(model.IOMMUUnits))

	printSummary(model)
	return nil
}

func printSummary(model *hostscan.Model) {
	tty := term.IsTerminal(int(os.Stdout.Fd()))
	bold := ansi.Style{}.Bold()
	heading := func(text string) {
		if tty {
			fmt.Println(bold.Styled(text))
		} else {
			fmt.Println(text)
		}
	}

	heading("Platform")
	fmt.Printf("  vendor: %s, cpus: %d, pm timer port: %#x\n",
		model.Platform.Vendor, model.Platform.CPUCount, model.Platform.PMTimerPort)
	if model.Platform.ProductName != "" {
		fmt.Printf("  product: %s (%s)\n", model.Platform.ProductName, model.Platform.SysVendor)
	}

	heading("Reservation")
	fmt.Printf("  base %#x, supervisor %#x, payload %#x\n",
		model.Reserved.Base, model.Reserved.SupervisorSize, model.Reserved.PayloadSize)

	heading("MMIO config window")
	fmt.Printf("  base %#x, buses 0-%d\n", model.MMConfig.Base, model.MMConfig.LastBus)

	heading(fmt.Sprintf("Memory regions (%d)", len(model.Regions)))
	for _, region := range model.Regions {
		fmt.Printf("  %s\n", region)
	}

	heading(fmt.Sprintf("PCI devices (%d)", len(model.Devices)))
	for _, dev := range model.Devices {
		fmt.Printf("  %s %s caps=%d iommu=%d\n",
			dev, dev.Kind, len(dev.Caps), dev.IOMMUUnit)
	}

	heading(fmt.Sprintf("IOAPICs (%d)", len(model.IOAPICs)))
	for _, ioapic := range model.IOAPICs {
		fmt.Printf("  id=%d base=%#x gsi=%d iommu=%d\n",
			ioapic.ID, ioapic.Address, ioapic.GSIBase, ioapic.IOMMUUnit)
	}
}

func main() {
	if err := run(); err != nil {
		slog.Error("hostscan failed", "err", err)
		os.Exit(1)
	}
}
