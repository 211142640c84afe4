// Package netif looks up local network interfaces and their byte counters.
package netif

import (
	"errors"
	"fmt"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// ErrNotFound is returned when the named interface does not exist.
var ErrNotFound = errors.New("interface not found")

// Names returns the names of all local interfaces.
func Names() ([]string, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	names := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		names = append(names, iface.Name)
	}
	return names, nil
}

// Exists reports whether the named interface is present.
func Exists(name string) (bool, error) {
	names, err := Names()
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// Counters returns the total bytes received and sent on the interface.
func Counters(name string) (rx, tx uint64, err error) {
	counters, err := psnet.IOCounters(true)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read interface counters: %w", err)
	}
	for _, c := range counters {
		if c.Name == name {
			return c.BytesRecv, c.BytesSent, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrNotFound, name)
}
