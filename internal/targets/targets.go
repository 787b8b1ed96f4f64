// Package targets turns untrusted uploaded text into a clean, ordered list of
// public IPv4 addresses.
package targets

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/anstrom/hostsweep/internal/errors"
)

// Candidate dotted quads. Octet ranges are checked afterwards by netip so
// that "999.1.1.1" and "01.2.3.4" are rejected rather than half-matched.
var ipv4Pattern = regexp.MustCompile(`(?:^|[^0-9.])((?:[0-9]{1,3}\.){3}[0-9]{1,3})(?:$|[^0-9.])`)

const maxLineBytes = 1 << 20

// Extract returns every IPv4 literal found in r, in order of appearance,
// duplicates included.
func Extract(r io.Reader) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		// Separators are consumed by the pattern, so adjacent addresses like
		// "1.1.1.1,2.2.2.2" need a second pass over the remainder.
		for line != "" {
			loc := ipv4Pattern.FindStringSubmatchIndex(line)
			if loc == nil {
				break
			}
			candidate := line[loc[2]:loc[3]]
			if _, ok := parseIPv4(candidate); ok {
				out = append(out, candidate)
			}
			line = line[loc[3]:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WrapScanError(errors.CodeTargetInvalid, "failed to read target list", err)
	}
	return out, nil
}

// ExtractFile extracts addresses from a file and returns the file's base
// name as the source label.
func ExtractFile(path string) (ips []string, label string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", errors.WrapScanErrorWithTarget(errors.CodeTargetInvalid, "failed to open target file", path, err)
	}
	defer f.Close()

	ips, err = Extract(f)
	if err != nil {
		return nil, "", err
	}
	return ips, filepath.Base(path), nil
}

func parseIPv4(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, false
	}
	return addr, true
}

// Normalize trims, validates and de-duplicates inputs. The first occurrence
// of an address wins and input order is kept. Entries that are not
// dotted-quad IPv4 are dropped and returned as ErrInvalidTarget errors.
func Normalize(inputs []string) (valid []string, rejected []error) {
	seen := make(map[netip.Addr]struct{}, len(inputs))
	valid = make([]string, 0, len(inputs))

	for _, raw := range inputs {
		entry := strings.TrimSpace(raw)
		addr, ok := parseIPv4(entry)
		if !ok {
			rejected = append(rejected, errors.ErrInvalidTarget(entry))
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		valid = append(valid, addr.String())
	}
	return valid, rejected
}
