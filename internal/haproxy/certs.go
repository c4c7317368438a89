// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package haproxy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"grimm.is/fleetwall/internal/errors"
)

// CertMethod selects the certbot challenge mode.
type CertMethod string

const (
	CertStandalone CertMethod = "standalone"
	CertWebroot    CertMethod = "webroot"
)

const (
	letsencryptLive = "/etc/letsencrypt/live"
	renewCronPath   = "/etc/cron.d/certbot-renew"
	certbotTimeout  = 120 * time.Second
)

// FirewallOpener is the small slice of the UFW driver the cert flow
// needs. Opening port 80 is best effort.
type FirewallOpener interface {
	AddSimple(ctx context.Context, port int, proto string) error
}

// Certificate summarizes one issued certificate.
type Certificate struct {
	Domain    string `json:"domain"`
	Path      string `json:"path"`
	Combined  bool   `json:"combined"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// GenerateCert obtains a certificate via certbot and assembles
// combined.pem for HAProxy. The standalone method requires port 80
// unbound, so a running HAProxy with a port-80 rule is temporarily
// stopped — and unconditionally started again on every exit path.
func (d *Driver) GenerateCert(ctx context.Context, fw FirewallOpener, domain string, method CertMethod, email, webroot string) error {
	if domain == "" {
		return errors.New(errors.KindValidation, "domain is required")
	}
	if method != CertStandalone && method != CertWebroot {
		return errors.Errorf(errors.KindValidation, "unknown cert method: %q", method)
	}

	// 1. Open port 80 so the HTTP challenge can reach us. Best effort.
	if fw != nil {
		if err := fw.AddSimple(ctx, 80, "tcp"); err != nil {
			d.logger.Warn("failed to open port 80 for cert challenge", "error", err)
		}
	}

	// 2. Standalone needs port 80 free: stop HAProxy if one of our
	// rules binds it and the service is running. The deferred resume
	// guarantees restart on all exit paths, including certbot failure.
	if method == CertStandalone {
		resume, err := d.acquirePort80(ctx)
		if err != nil {
			return err
		}
		defer resume()
	}

	// 3. Run certbot with a hard deadline.
	if err := d.runCertbot(ctx, domain, method, email, webroot); err != nil {
		return err
	}

	// 4. The live directory may carry a -NNNN suffix when certbot kept
	// an older lineage around; resolve the real one.
	liveDir, err := d.resolveCertDir(ctx, domain)
	if err != nil {
		return err
	}

	// 5. combined.pem = fullchain || privkey, mode 600.
	if err := d.writeCombined(ctx, liveDir); err != nil {
		return err
	}

	// 6. Daily renewal at 03:00.
	if err := d.ensureRenewalCron(ctx); err != nil {
		d.logger.Warn("failed to install renewal cron", "error", err)
	}

	d.logger.Info("certificate issued", "domain", domain, "dir", liveDir)
	return nil
}

// acquirePort80 stops HAProxy when it is running and owns port 80, and
// returns a resume function that restores the previous state.
func (d *Driver) acquirePort80(ctx context.Context) (func(), error) {
	noop := func() {}

	rules, err := d.ListRules()
	if err != nil {
		return noop, err
	}
	usesPort80 := false
	for _, r := range rules {
		if r.ListenPort == 80 {
			usesPort80 = true
			break
		}
	}
	if !usesPort80 {
		return noop, nil
	}

	if d.Status(ctx) != StateRunning {
		return noop, nil
	}

	d.logger.Info("temporarily stopping haproxy for standalone challenge")
	if err := d.Stop(ctx); err != nil {
		return noop, err
	}

	return func() {
		if err := d.Start(ctx); err != nil {
			d.logger.Error("failed to resume haproxy after cert flow", "error", err)
		}
	}, nil
}

func (d *Driver) runCertbot(ctx context.Context, domain string, method CertMethod, email, webroot string) error {
	var b strings.Builder
	b.WriteString("certbot certonly --non-interactive --agree-tos")
	if email != "" {
		fmt.Fprintf(&b, " --email %s", email)
	} else {
		b.WriteString(" --register-unsafely-without-email")
	}
	switch method {
	case CertStandalone:
		b.WriteString(" --standalone")
	case CertWebroot:
		if webroot == "" {
			webroot = "/var/www/html"
		}
		fmt.Fprintf(&b, " --webroot -w %s", webroot)
	}
	fmt.Fprintf(&b, " -d %s", domain)

	res := d.run(ctx, b.String(), certbotTimeout)
	if !res.Success {
		msg := strings.TrimSpace(res.Stderr)
		if res.Error != "" {
			msg = res.Error
		}
		return errors.Errorf(errors.KindHostCommand, "certbot failed: %s", msg)
	}
	return nil
}

// resolveCertDir finds the live directory for a domain, preferring the
// highest -NNNN suffix certbot may have appended.
func (d *Driver) resolveCertDir(ctx context.Context, domain string) (string, error) {
	res := d.run(ctx, fmt.Sprintf("ls -1d %s/%s %s/%s-* 2>/dev/null", letsencryptLive, domain, letsencryptLive, domain), 10*time.Second)
	candidates := make([]string, 0, 4)
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			candidates = append(candidates, line)
		}
	}
	if len(candidates) == 0 {
		return "", errors.Errorf(errors.KindNotFound, "no certificate directory found for %s", domain)
	}
	// Lexicographic sort puts the bare domain first and suffixes in
	// ascending order; the last entry is the newest lineage.
	sort.Strings(candidates)
	return candidates[len(candidates)-1], nil
}

func (d *Driver) writeCombined(ctx context.Context, liveDir string) error {
	cmd := fmt.Sprintf(
		"cat %s/fullchain.pem %s/privkey.pem > %s/combined.pem && chmod 600 %s/combined.pem",
		liveDir, liveDir, liveDir, liveDir)
	res := d.run(ctx, cmd, 10*time.Second)
	if !res.Success {
		return errors.Errorf(errors.KindHostCommand, "failed to assemble combined.pem: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// ensureRenewalCron installs the daily 03:00 renewal job. The renew hook
// rebuilds combined.pem and reloads HAProxy.
func (d *Driver) ensureRenewalCron(ctx context.Context) error {
	check := d.run(ctx, fmt.Sprintf("test -f %s", renewCronPath), 10*time.Second)
	if check.Success {
		return nil
	}

	cron := `0 3 * * * root certbot renew --quiet --deploy-hook 'for dir in /etc/letsencrypt/live/*/; do cat "$dir/fullchain.pem" "$dir/privkey.pem" > "$dir/combined.pem" && chmod 600 "$dir/combined.pem"; done; systemctl reload haproxy'`
	cmd := fmt.Sprintf("printf '%%s\\n' \"%s\" > %s", strings.ReplaceAll(cron, `"`, `\"`), renewCronPath)
	res := d.run(ctx, cmd, 10*time.Second)
	if !res.Success {
		return errors.Errorf(errors.KindHostCommand, "failed to write renewal cron: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// ListCerts enumerates issued certificates by scanning the live
// directory through the host executor.
func (d *Driver) ListCerts(ctx context.Context) ([]Certificate, error) {
	res := d.run(ctx, fmt.Sprintf("ls -1 %s 2>/dev/null", letsencryptLive), 10*time.Second)
	var certs []Certificate
	for _, line := range strings.Split(res.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || name == "README" {
			continue
		}
		dir := letsencryptLive + "/" + name
		combined := d.run(ctx, fmt.Sprintf("test -f %s/combined.pem", dir), 10*time.Second)
		certs = append(certs, Certificate{
			Domain:   strippedLineageSuffix(name),
			Path:     dir,
			Combined: combined.Success,
		})
	}
	return certs, nil
}

// strippedLineageSuffix removes a trailing -NNNN certbot lineage suffix.
func strippedLineageSuffix(name string) string {
	idx := strings.LastIndex(name, "-")
	if idx == -1 {
		return name
	}
	suffix := name[idx+1:]
	if len(suffix) != 4 {
		return name
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return name
		}
	}
	return name[:idx]
}
