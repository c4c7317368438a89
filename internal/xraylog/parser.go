// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package xraylog tails the Xray access log from the remnanode
// container and aggregates accepted connections into an in-memory
// (email, source_ip, host) count map that the panel drains.
package xraylog

import (
	"regexp"
	"strconv"
	"strings"
)

// accessLineRe matches an accepted connection line:
//
//	2026/08/24 13:00:01.123 from tcp:9.9.9.9:51234 accepted tcp:a.com:443 [inbound -> outbound] email: 42
//
// The destination host group excludes the trailing :port by
// construction.
var accessLineRe = regexp.MustCompile(
	`^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?\s+from\s+(?:tcp:)?(\d+\.\d+\.\d+\.\d+):\d+\s+accepted\s+(?:tcp|udp):([^:\s]+):\d+\s+\[.+?\]\s+email:\s*(\d+)`)

// Entry is one parsed access log line.
type Entry struct {
	Email    int
	SourceIP string
	Host     string
}

// skipMarkers exclude blocked and torrent-routed connections from
// accounting; the torrent detector sees the raw lines separately.
var skipMarkers = []string{"-> BLOCK", ">> BLOCK", "-> torrent"}

// ParseLine extracts an entry from one log line. Returns false for
// lines that do not match or that carry a skip marker.
func ParseLine(line string) (Entry, bool) {
	for _, m := range skipMarkers {
		if strings.Contains(line, m) {
			return Entry{}, false
		}
	}
	groups := accessLineRe.FindStringSubmatch(line)
	if groups == nil {
		return Entry{}, false
	}
	email, err := strconv.Atoi(groups[3])
	if err != nil {
		return Entry{}, false
	}
	return Entry{Email: email, SourceIP: groups[1], Host: groups[2]}, true
}
