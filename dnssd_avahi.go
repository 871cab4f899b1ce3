//go:build linux

/* network-rngd - TCP entropy distribution daemon for Quantis USB RNG devices
 *
 * DNS-SD, Avahi-based system-dependent part
 */

package main

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/holoplot/go-avahi"
)

// dnssdSysdep represents the Avahi-backed advertisement state for one
// DnsSdPublisher.
type dnssdSysdep struct {
	conn   *dbus.Conn
	server *avahi.Server
	group  *avahi.EntryGroup
}

// newDnssdSysdep registers instance's services with the system Avahi
// daemon over D-Bus.
func newDnssdSysdep(instance string, services DnsSdServices) (*dnssdSysdep, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("avahi: %w", err)
	}

	server, err := avahi.ServerNew(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("avahi: %w", err)
	}

	group, err := server.EntryGroupNew()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("avahi: %w", err)
	}

	iface := int32(avahi.InterfaceUnspec)
	if Conf.LoopbackOnly {
		idx, err := Loopback()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("avahi: %w", err)
		}
		iface = int32(idx)
	}

	proto := int32(avahi.ProtoUnspec)
	if !Conf.IPV6Enable {
		proto = int32(avahi.ProtoInet)
	}

	for _, svc := range services {
		err = group.AddService(iface, proto, 0, instance, svc.Type, "", "",
			uint16(svc.Port), svc.Txt.export())
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("avahi: AddService %s: %w", svc.Type, err)
		}
	}

	if err := group.Commit(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("avahi: Commit: %w", err)
	}

	return &dnssdSysdep{conn: conn, server: server, group: group}, nil
}

// Close withdraws the entry group and releases the D-Bus connection.
func (sd *dnssdSysdep) Close() {
	sd.group.Free()
	sd.conn.Close()
}
