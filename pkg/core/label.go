package core

import (
	"net"
	"strconv"
)

// LabelFor returns the "<address>:<port>" label of a remote address. Addresses
// that carry no usable host resolve to UnknownPeer.
func LabelFor(addr net.Addr) string {
	switch a := addr.(type) {
	case nil:
		return UnknownPeer
	case *net.TCPAddr:
		if a == nil || a.IP == nil {
			return UnknownPeer
		}
		return a.IP.String() + ":" + strconv.Itoa(a.Port)
	case *net.UDPAddr:
		if a == nil || a.IP == nil {
			return UnknownPeer
		}
		return a.IP.String() + ":" + strconv.Itoa(a.Port)
	}

	s := addr.String()
	host, port, err := net.SplitHostPort(s)
	if err != nil || host == "" {
		// Unix sockets and pipes have no port.
		if s == "" {
			return UnknownPeer
		}
		return s + ":0"
	}
	return host + ":" + port
}
