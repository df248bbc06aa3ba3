package collector

import (
	"os/user"
	"strings"

	"codeberg.org/mutker/powertrace/internal/telemetry"
	"golang.org/x/sys/unix"
)

// HostInfo describes this machine for new sessions. An empty name falls back
// to the invoking user.
func HostInfo(name, version string) telemetry.HostInfo {
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		}
	}

	return telemetry.HostInfo{
		User:            name,
		SoftwareVersion: version,
		OSBuild:         osBuild(),
	}
}

// osBuild returns "<sysname> <release> <machine>", or "" when uname fails.
func osBuild() string {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return ""
	}

	parts := []string{
		utsString(uname.Sysname),
		utsString(uname.Release),
		utsString(uname.Machine),
	}
	return strings.Join(parts, " ")
}

// utsString decodes a utsname field, which is int8 or uint8 depending on
// the architecture.
func utsString(field any) string {
	var b []byte
	switch v := field.(type) {
	case [65]int8:
		for _, c := range v {
			b = append(b, byte(c))
		}
	case [65]uint8:
		b = v[:]
	}
	return unix.ByteSliceToString(b)
}
