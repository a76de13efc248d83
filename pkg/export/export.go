// Package export writes the Inventory Store's Devices table to a plain
// delimited text file.
package export

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/netwatch/cdpcrawl/pkg/discovery"
)

const header = "hostname,ip_address,platform,serial_number,device_type"

// DeviceLister is the read-only slice of the Inventory Store the Exporter
// needs — defined here, consumer-side, so export depends on a one-method
// interface rather than the concrete store type.
type DeviceLister interface {
	ListDevices() ([]discovery.Device, error)
}

// Write reads every Device from store and writes it to directory/file as
// plain comma-delimited text: a fixed header, then one unescaped row per
// device. Fields are emitted verbatim — a platform string containing a
// comma corrupts the row, same as the system this replaces. directory is
// created if missing.
func Write(store DeviceLister, directory, file string) error {
	devices, err := store.ListDevices()
	if err != nil {
		return fmt.Errorf("listing devices for export: %w", err)
	}

	if err := os.MkdirAll(directory, 0o755); err != nil {
		return fmt.Errorf("creating output directory %s: %w", directory, err)
	}

	path := filepath.Join(directory, file)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating export file %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(header + "\n"); err != nil {
		return fmt.Errorf("writing export header: %w", err)
	}
	for _, d := range devices {
		line := fmt.Sprintf("%s,%s,%s,%s,%s\n", d.Hostname, d.IPAddress, d.Platform, d.SerialNumber, d.DeviceType)
		if _, err := w.WriteString(line); err != nil {
			return fmt.Errorf("writing export row for %s: %w", d.Hostname, err)
		}
	}
	return w.Flush()
}
