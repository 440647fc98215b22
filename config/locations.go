package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/distcodep7/peerlock/peernet"
)

// ResolveClients parses the "clients" property's host[:port] entries into
// peernet.Locations. An entry with no port defaults to localPort, per
// spec.md §6 ("port defaults to the local listening port").
func ResolveClients(clients []string, localPort int) ([]peernet.Location, error) {
	locs := make([]peernet.Location, 0, len(clients))
	for _, entry := range clients {
		host, portStr, err := net.SplitHostPort(entry)
		if err != nil {
			// No port in the entry: net.SplitHostPort fails on a bare host.
			locs = append(locs, peernet.Location{Host: entry, Port: localPort})
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("config: invalid port in client entry %q: %w", entry, err)
		}
		locs = append(locs, peernet.Location{Host: host, Port: port})
	}
	return locs, nil
}
