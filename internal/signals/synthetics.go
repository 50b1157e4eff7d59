package signals

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// SourceSynthetics tags evidence produced by URL checks.
const SourceSynthetics = "synthetics"

// KindSiteCheck is the evidence kind produced by CheckURL.
const KindSiteCheck = "site_check"

// certWarnWindow flags certificates close to expiry.
const certWarnWindow = 14 * 24 * time.Hour

// SyntheticsConfig configures a URL check.
type SyntheticsConfig struct {
	URL     string
	Timeout time.Duration
	// RootCAs overrides the system pool, mainly for tests.
	RootCAs *x509.CertPool
}

// CheckURL resolves the host, performs a TLS handshake for https URLs and
// issues a GET. The result is always a single piece of evidence.
func CheckURL(ctx context.Context, cfg SyntheticsConfig) Evidence {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	payload := map[string]any{
		"url":         cfg.URL,
		"dns_ok":      false,
		"tls_ok":      nil,
		"http_ok":     false,
		"status_code": nil,
		"latency_ms":  nil,
	}
	ev := func(sev, msg string) Evidence {
		e := Evidence{Source: SourceSynthetics, Kind: KindSiteCheck, Severity: sev, Message: msg, Payload: payload}
		e.Normalize()
		return e
	}

	u, err := url.Parse(cfg.URL)
	if err != nil || u.Hostname() == "" {
		return ev(SeverityCritical, fmt.Sprintf("invalid url %q", cfg.URL))
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout*3)
	defer cancel()

	if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
		return ev(SeverityCritical, fmt.Sprintf("DNS resolution failed for %s: %v", host, err))
	}
	payload["dns_ok"] = true

	tlsConf := &tls.Config{ServerName: host, RootCAs: cfg.RootCAs, MinVersion: tls.VersionTLS12}
	if u.Scheme == "https" {
		payload["tls_ok"] = false
		dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: cfg.Timeout}, Config: tlsConf}
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
		if err != nil {
			return ev(SeverityCritical, fmt.Sprintf("TLS handshake failed for %s: %v", host, err))
		}
		state := conn.(*tls.Conn).ConnectionState()
		_ = conn.Close()
		payload["tls_ok"] = true
		if len(state.PeerCertificates) > 0 {
			expires := state.PeerCertificates[0].NotAfter
			payload["tls_expires_at"] = expires.UTC().Format(time.RFC3339)
			if time.Until(expires) < certWarnWindow {
				return ev(SeverityWarning, fmt.Sprintf("TLS certificate for %s expires %s", host, expires.UTC().Format(time.RFC3339)))
			}
		}
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &http.Transport{TLSClientConfig: tlsConf},
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return ev(SeverityCritical, fmt.Sprintf("HTTP request failed for %s: %v", cfg.URL, err))
	}
	resp, err := client.Do(req)
	payload["latency_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		return ev(SeverityCritical, fmt.Sprintf("HTTP request failed for %s: %v", cfg.URL, err))
	}
	_ = resp.Body.Close()

	payload["status_code"] = resp.StatusCode
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 400:
		payload["http_ok"] = true
		return ev(SeverityInfo, "OK "+strconv.Itoa(resp.StatusCode)+" "+cfg.URL)
	case resp.StatusCode >= 500:
		return ev(SeverityCritical, fmt.Sprintf("HTTP %d for %s", resp.StatusCode, cfg.URL))
	default:
		return ev(SeverityWarning, fmt.Sprintf("HTTP %d for %s", resp.StatusCode, cfg.URL))
	}
}

// SiteMonitor runs CheckURL on an interval and hands every result to emit.
type SiteMonitor struct {
	cfg      SyntheticsConfig
	interval time.Duration
	emit     func(Evidence)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewSiteMonitor creates a stopped SiteMonitor.
func NewSiteMonitor(cfg SyntheticsConfig, interval time.Duration, emit func(Evidence)) *SiteMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SiteMonitor{cfg: cfg, interval: interval, emit: emit}
}

// Start begins checking in the background.
func (p *SiteMonitor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("site monitor already running")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.running = true

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			p.emit(CheckURL(ctx, p.cfg))
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	log.WithFields(log.Fields{"url": p.cfg.URL, "interval": p.interval}).Info("synthetics monitor started")
	return nil
}

// Stop cancels checking and waits for the loop to exit.
func (p *SiteMonitor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.cancel()
	done := p.done
	p.running = false
	p.mu.Unlock()
	<-done
}
