package leaderwatch

import (
	"errors"
	"fmt"
	"net"
)

// SelfAddress returns the first global unicast address of the host, preferring
// IPv4, for use as ServiceDescriptor.Address.
func SelfAddress() (string, error) {
	addresses, addrErr := net.InterfaceAddrs()
	if addrErr != nil {
		return "", fmt.Errorf("Unable to get self IP address: %w", addrErr)
	}

	var v6 string
	for _, addr := range addresses {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || !ipnet.IP.IsGlobalUnicast() {
			continue
		}
		if ip := ipnet.IP.To4(); ip != nil {
			return ip.String(), nil
		}
		if v6 == "" {
			v6 = ipnet.IP.String()
		}
	}
	if v6 != "" {
		return v6, nil
	}
	return "", errors.New("no global unicast address found")
}
