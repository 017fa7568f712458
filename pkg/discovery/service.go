// Package discovery lets buses find each other on the local network, either
// through mDNS service records or through a UDP broadcast responder.
package discovery

import (
	"os"
	"strings"
)

const (
	ServiceType = "_skybus._tcp"
	Domain      = "local."
)

// hostname returns the short host name, or "" when unknown.
func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	name, _, _ = strings.Cut(name, ".")
	return name
}

// ServiceName returns the instance name advertised for base. With
// hostSuffix set the local host name is appended in parentheses so that
// buses with the same name on different hosts stay distinguishable.
func ServiceName(base string, hostSuffix bool) string {
	if !hostSuffix {
		return base
	}
	host := hostname()
	if host == "" || strings.HasSuffix(base, " ("+host+")") {
		return base
	}
	return base + " (" + host + ")"
}

// TrimLocalService strips the host suffix ServiceName adds when it names
// this host. Names from other hosts are returned unchanged.
func TrimLocalService(name string) string {
	host := hostname()
	if host == "" {
		return name
	}
	return strings.TrimSuffix(name, " ("+host+")")
}

// IsLocalService reports whether name was advertised by this host.
func IsLocalService(name string) bool {
	return TrimLocalService(name) != name
}
