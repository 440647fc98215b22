package peernet

import (
	"net"
	"strconv"
)

// Location is a peer's configured hostname and port, as parsed from the
// properties file's "clients" entry (spec.md §6).
type Location struct {
	Host string
	Port int
}

// Addr renders the Location as a dial/listen address.
func (l Location) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

func (l Location) String() string { return l.Addr() }
