// Package dhcp decodes the option strings a DHCP helper posts to
// /dev_mgr/dhcpinfo (spec §6 "DHCP ingress"). provd never listens on the
// DHCP wire protocol itself; it only interprets the option bytes a
// front-end relay has already captured.
package dhcp

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Op is the kind of DHCP lease event a helper observed (spec §6).
type Op string

const (
	OpCommit Op = "commit"
	OpExpiry Op = "expiry"
	OpRelease Op = "release"
)

// Info is the decoded body of a /dev_mgr/dhcpinfo POST.
type Info struct {
	Op      Op
	IP      string
	MAC     string
	Options map[int][]byte
}

// DecodeOption parses one "NNN.XX.XX.…" string into its option code and
// raw byte payload. NNN is the decimal DHCP option number; each
// subsequent dot-separated field is a byte in two-digit hex (spec §6
// example: "060.43.69.73.63.6f" is option 60, bytes 43 69 73 63 6f →
// "Cisco").
func DecodeOption(s string) (code int, payload []byte, err error) {
	parts := strings.Split(s, ".")
	if len(parts) < 1 {
		return 0, nil, fmt.Errorf("dhcp: empty option string")
	}
	code, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, nil, fmt.Errorf("dhcp: invalid option code %q: %w", parts[0], err)
	}
	payload = make([]byte, 0, len(parts)-1)
	for _, hexByte := range parts[1:] {
		b, err := hex.DecodeString(hexByte)
		if err != nil || len(b) != 1 {
			return 0, nil, fmt.Errorf("dhcp: invalid byte %q in option %d", hexByte, code)
		}
		payload = append(payload, b[0])
	}
	return code, payload, nil
}

// DecodeOptions decodes a full options array into a code→bytes map, as
// sent in the dhcp_info.options field. A malformed entry is skipped
// rather than failing the whole request, since the rest of the lease
// event is still actionable.
func DecodeOptions(raw []string) map[int][]byte {
	out := make(map[int][]byte, len(raw))
	for _, s := range raw {
		code, payload, err := DecodeOption(s)
		if err != nil {
			continue
		}
		out[code] = payload
	}
	return out
}

// VendorClassIdentifier returns option 60 (Vendor Class Identifier)
// decoded as a string, the field plugins typically key their DHCP
// extractor off (spec §6 example, "Cisco").
func (i Info) VendorClassIdentifier() (string, bool) {
	b, ok := i.Options[60]
	if !ok {
		return "", false
	}
	return string(b), true
}
