// Package netutil enumerates local IPv4 interfaces, replacing the
// psutil-based interface listing in anonchat's original Python
// implementation with the stdlib net package.
package netutil

import (
	"errors"
	"fmt"
	"net"
)

// ErrNoInterfaces is returned when no usable IPv4 interface is found.
var ErrNoInterfaces = errors.New("netutil: no IPv4 interfaces found")

// Interface is one enumerated (name, ipv4 address) pair.
type Interface struct {
	Name string
	IP   string
}

// ListIPv4 returns every non-loopback IPv4 address bound to an
// interface that is currently up.
func ListIPv4() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("netutil: list interfaces: %w", err)
	}

	var out []Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			out = append(out, Interface{Name: iface.Name, IP: ip4.String()})
		}
	}
	return out, nil
}

// DefaultInterfaceIP picks the first available non-loopback IPv4
// address, for use when ANONCHAT_INTERFACE_IP is unset.
func DefaultInterfaceIP() (string, error) {
	ifaces, err := ListIPv4()
	if err != nil {
		return "", err
	}
	if len(ifaces) == 0 {
		return "", ErrNoInterfaces
	}
	return ifaces[0].IP, nil
}
