// Package joinurl builds the shareable room join URL, substituting a LAN
// IP for loopback/wildcard hosts so phones and other devices on the same
// network can reach the host machine.
package joinurl

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// loopbackHosts are request hostnames that can't be dialed from another
// device on the LAN.
var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"0.0.0.0":   true,
	"::1":       true,
}

// Build constructs the join URL for a room, substituting the detected LAN
// IP (or the WIKIRACE_PUBLIC_HOST override) for a loopback/wildcard
// request host so the URL is reachable from other devices.
func Build(scheme, requestHost, requestPort, roomCode string) string {
	host := requestHost
	if loopbackHosts[strings.ToLower(requestHost)] {
		if lanIP := DetectLANIP(); lanIP != "" {
			host = lanIP
		}
	}

	netloc := host
	if requestPort != "" {
		netloc = host + ":" + requestPort
	}
	return fmt.Sprintf("%s://%s/?room=%s", scheme, netloc, roomCode)
}

// DetectLANIP returns this host's LAN-reachable IPv4 address, or "" if none
// could be determined. WIKIRACE_PUBLIC_HOST always takes precedence.
func DetectLANIP() string {
	if override := strings.TrimSpace(os.Getenv("WIKIRACE_PUBLIC_HOST")); override != "" {
		return override
	}

	switch runtime.GOOS {
	case "darwin":
		if ip := detectViaIfconfigGetifaddr(); ip != "" {
			return ip
		}
	case "linux":
		if ip := detectViaHostnameI(); ip != "" {
			return ip
		}
	}

	if ip := detectViaOutboundDial(); ip != "" {
		return ip
	}
	return detectViaHostnameLookup()
}

func isUsableIPv4(ip string) bool {
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	v4 := addr.To4()
	if v4 == nil {
		return false
	}
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsMulticast() || addr.IsUnspecified() {
		return false
	}
	return true
}

func detectViaIfconfigGetifaddr() string {
	for _, iface := range []string{"en0", "en1"} {
		out, err := exec.Command("ipconfig", "getifaddr", iface).Output()
		if err != nil {
			continue
		}
		ip := strings.TrimSpace(string(out))
		if isUsableIPv4(ip) {
			return ip
		}
	}
	return ""
}

func detectViaHostnameI() string {
	out, err := exec.Command("hostname", "-I").Output()
	if err != nil {
		return ""
	}
	for _, tok := range strings.Fields(string(out)) {
		if isUsableIPv4(tok) {
			return tok
		}
	}
	return ""
}

// detectViaOutboundDial infers the chosen outbound interface without
// sending any packets: UDP "connect" only resolves a route and binds a
// local address.
func detectViaOutboundDial() string {
	for _, target := range []string{"1.1.1.1:80", "8.8.8.8:80", "10.255.255.255:1"} {
		conn, err := net.Dial("udp4", target)
		if err != nil {
			continue
		}
		localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
		conn.Close()
		if !ok {
			continue
		}
		if ip := localAddr.IP.String(); isUsableIPv4(ip) {
			return ip
		}
	}
	return ""
}

func detectViaHostnameLookup() string {
	hostname, err := os.Hostname()
	if err != nil {
		return ""
	}
	addrs, err := net.LookupHost(hostname)
	if err != nil {
		return ""
	}
	for _, ip := range addrs {
		if isUsableIPv4(ip) {
			return ip
		}
	}
	return ""
}
