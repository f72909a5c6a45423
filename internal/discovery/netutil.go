package discovery

import (
	"net"
	"strings"
)

// LocalIPs returns the host's non-loopback IPv4 addresses.
func LocalIPs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			ips = append(ips, v4.String())
		}
	}
	if len(ips) == 0 {
		if ip := LocalIP(); ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

// LocalIP returns the address of the interface that routes outbound traffic.
// No packet is sent.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}

// SubnetBase returns the first three octets of an IPv4 address.
func SubnetBase(ip string) string {
	i := strings.LastIndexByte(ip, '.')
	if i < 0 {
		return ""
	}
	return ip[:i]
}
