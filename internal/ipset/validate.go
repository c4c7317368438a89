// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ipset

import (
	"regexp"
	"strconv"
	"strings"

	"grimm.is/fleetwall/internal/errors"
)

// ipv4Re is a cheap pre-filter; octet ranges are verified numerically
// afterwards. Compiled once, shared by every validation call.
var ipv4Re = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})(?:/(\d{1,2}))?$`)

// Normalize validates an IPv4 address or CIDR and returns the canonical
// form. A /32 suffix is dropped to the bare address.
func Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	m := ipv4Re.FindStringSubmatch(s)
	if m == nil {
		return "", errors.Errorf(errors.KindValidation, "invalid IPv4 address or CIDR: %q", s)
	}

	for i := 1; i <= 4; i++ {
		octet, err := strconv.Atoi(m[i])
		if err != nil || octet > 255 {
			return "", errors.Errorf(errors.KindValidation, "invalid IPv4 octet in %q", s)
		}
	}

	if m[5] == "" {
		return s, nil
	}

	prefix, err := strconv.Atoi(m[5])
	if err != nil || prefix > 32 {
		return "", errors.Errorf(errors.KindValidation, "invalid CIDR prefix in %q", s)
	}
	if prefix == 32 {
		return strings.SplitN(s, "/", 2)[0], nil
	}
	return s, nil
}

// IsValid reports whether s is an acceptable IPv4 address or CIDR.
func IsValid(s string) bool {
	_, err := Normalize(s)
	return err == nil
}

// Deduplicate normalizes, drops invalid entries, and removes duplicates
// while preserving first-seen order. Idempotent:
// Deduplicate(Deduplicate(xs)) == Deduplicate(xs).
func Deduplicate(ips []string) []string {
	out := make([]string, 0, len(ips))
	seen := make(map[string]bool, len(ips))
	for _, ip := range ips {
		norm, err := Normalize(ip)
		if err != nil {
			continue
		}
		if !seen[norm] {
			seen[norm] = true
			out = append(out, norm)
		}
	}
	return out
}
