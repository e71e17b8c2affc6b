// Command test-scan is a manual test for BLE discovery.
// It scans for devices advertising the SLATE service and prints them.
//
// Usage:
//
//	go run ./cmd/test-scan [--timeout 10s]
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chaz8081/ble-kermit/internal/ble"
)

func main() {
	timeout := flag.Duration("timeout", 10*time.Second, "how long to scan")
	flag.Parse()

	fmt.Printf("Scanning for SLATE devices for %s...\n", *timeout)

	devices, err := ble.ScanForDevices(ble.NewBlueZAdapter(), *timeout)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return
	}
	for i, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%2d. %s  %-20s  %d dBm\n", i+1, d.MAC, name, d.RSSI)
	}
	fmt.Println("\nPass the address to ble-kermit or set device.address in the config.")
}
