// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"grimm.is/fleetwall/internal/logging"
	"grimm.is/fleetwall/internal/panel/store"
)

const (
	ripeBaseURL      = "https://stat.ripe.net"
	asnLookupTimeout = 10 * time.Second

	// asnLookupCap bounds RIPE lookups per user per scan.
	asnLookupCap = 100
)

// Resolver maps a client IP to its origin network. Tests substitute
// fakes.
type Resolver interface {
	Resolve(ctx context.Context, ip string, now time.Time) (store.ASNRecord, bool)
}

// ripeResolver answers from the 7-day cache, falling back to RIPEstat.
type ripeResolver struct {
	store  *store.Store
	http   *resty.Client
	logger *logging.Logger
}

func newRIPEResolver(st *store.Store, logger *logging.Logger) *ripeResolver {
	return &ripeResolver{
		store:  st,
		http:   resty.New().SetBaseURL(ripeBaseURL).SetTimeout(asnLookupTimeout),
		logger: logger,
	}
}

func (r *ripeResolver) Resolve(ctx context.Context, ip string, now time.Time) (store.ASNRecord, bool) {
	if rec, ok, err := r.store.GetASN(ip, now); err == nil && ok {
		return rec, true
	}

	var body struct {
		Data struct {
			Prefix string `json:"prefix"`
			ASNs   []struct {
				ASN    int64  `json:"asn"`
				Holder string `json:"holder"`
			} `json:"asns"`
		} `json:"data"`
	}
	resp, err := r.http.R().
		SetContext(ctx).
		SetQueryParam("resource", ip).
		SetResult(&body).
		Get("/data/prefix-overview/data.json")
	if err != nil || resp.IsError() || len(body.Data.ASNs) == 0 {
		return store.ASNRecord{}, false
	}

	rec := store.ASNRecord{
		IP:     ip,
		ASN:    fmt.Sprintf("AS%d", body.Data.ASNs[0].ASN),
		Prefix: body.Data.Prefix,
		Holder: body.Data.ASNs[0].Holder,
	}
	if err := r.store.PutASN(rec, now); err != nil {
		r.logger.Warn("caching ASN lookup failed", "ip", ip, "error", err)
	}
	return rec, true
}
