// Package sender performs the outbound HTTP call for one delivery attempt.
// It is stateless: timing, attempt logging and state transitions belong to
// the caller.
package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/festivo/webhook-engine/internal/model"
)

const (
	// UserAgent identifies outbound webhook calls.
	UserAgent = "Festivo-Webhook/1.0"

	// maxResponseBytes bounds how much of a response body is captured, so
	// a broken or hostile receiver cannot exhaust memory.
	maxResponseBytes = 64 * 1024
)

var (
	ErrSchemeNotAllowed = errors.New("url scheme must be http or https")
	ErrInsecureScheme   = errors.New("https is required for webhook targets")
	ErrPrivateAddress   = errors.New("target resolves to a private or loopback address")
	ErrHostUnresolvable = errors.New("target host could not be resolved")
)

// Result is the outcome of a single attempt. PolicyViolation marks failures
// of the URL security checks, which must never be retried.
type Result struct {
	StatusCode         int
	ResponseBody       string
	ResponseTimeMillis int64
	Success            bool
	Error              string
	PolicyViolation    bool
}

type Sender struct {
	client        *http.Client
	resolver      *net.Resolver
	allowInsecure bool
}

// New builds a sender with a pooled transport. Redirects are never
// followed: a redirect response is the final response, so a validated URL
// cannot bounce the payload to an unvalidated one. allowInsecure permits
// plain http and private addresses and is intended for development only.
func New(allowInsecure bool) *Sender {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Sender{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		resolver:      net.DefaultResolver,
		allowInsecure: allowInsecure,
	}
}

// ValidateURL applies the security policy to a target URL: http/https
// scheme only, https mandatory unless insecure mode is on, and the host
// must not resolve to loopback, RFC1918, link-local or private IPv6 space.
// It fails closed: any resolution failure rejects the URL.
func (s *Sender) ValidateURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrSchemeNotAllowed
	}
	if u.Scheme != "https" && !s.allowInsecure {
		return ErrInsecureScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("invalid url: missing host")
	}
	if s.allowInsecure {
		return nil
	}
	addrs, err := s.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return ErrHostUnresolvable
	}
	for _, addr := range addrs {
		if isForbidden(addr.IP) {
			return fmt.Errorf("%w: %s", ErrPrivateAddress, addr.IP)
		}
	}
	return nil
}

func isForbidden(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// Send validates the snapshot URL, then POSTs the delivery payload with its
// identity headers and the subscriber's custom headers layered on top.
// Custom headers win on name collisions. Any 2xx status is success; every
// other status, transport error or cancellation is failure.
func (s *Sender) Send(ctx context.Context, d *model.WebhookDelivery, customHeaders map[string]string, timeout time.Duration) Result {
	if err := s.ValidateURL(ctx, d.TargetURL); err != nil {
		return Result{Error: err.Error(), PolicyViolation: true}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.TargetURL, bytes.NewReader(d.Payload))
	if err != nil {
		return Result{Error: fmt.Sprintf("build request: %v", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("X-Webhook-Signature", d.Signature)
	req.Header.Set("X-Webhook-Event-ID", d.EventID.String())
	req.Header.Set("X-Webhook-Event-Type", d.EventType.String())
	req.Header.Set("X-Webhook-Delivery-ID", d.ID.String())
	req.Header.Set("X-Webhook-Timestamp", d.CreatedAt.UTC().Format(time.RFC3339))
	for k, v := range customHeaders {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return Result{ResponseTimeMillis: elapsed, Error: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	res := Result{
		StatusCode:         resp.StatusCode,
		ResponseBody:       string(body),
		ResponseTimeMillis: elapsed,
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Success = true
	} else {
		res.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return res
}
