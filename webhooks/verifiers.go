package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/goliatone/go-outbound/core"
)

var (
	ErrCredentialMissing     = errors.New("webhooks: credentials are required")
	ErrCredentialMismatch    = errors.New("webhooks: credentials do not match")
	ErrCredentialUnavailable = errors.New("webhooks: no webhook credential is configured")
	ErrSignatureInvalid      = errors.New("webhooks: signature verification failed")
)

// IPAllowlist admits exact addresses and CIDR ranges. An empty list admits
// every source.
type IPAllowlist struct {
	prefixes []netip.Prefix
}

func NewIPAllowlist(entries []string) (*IPAllowlist, error) {
	list := &IPAllowlist{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("webhooks: invalid allowlist cidr %q: %w", entry, err)
			}
			list.prefixes = append(list.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("webhooks: invalid allowlist ip %q: %w", entry, err)
		}
		addr = addr.Unmap()
		list.prefixes = append(list.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return list, nil
}

func (l *IPAllowlist) Empty() bool {
	return l == nil || len(l.prefixes) == 0
}

// Allowed reports whether sourceIP (optionally host:port) is admitted. An
// unparseable source is rejected unless the list is empty.
func (l *IPAllowlist) Allowed(sourceIP string) bool {
	if l.Empty() {
		return true
	}
	addr, ok := parseSourceAddr(sourceIP)
	if !ok {
		return false
	}
	for _, prefix := range l.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseSourceAddr(sourceIP string) (netip.Addr, bool) {
	sourceIP = strings.TrimSpace(sourceIP)
	if host, _, err := net.SplitHostPort(sourceIP); err == nil {
		sourceIP = host
	}
	addr, err := netip.ParseAddr(strings.Trim(sourceIP, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

type Credential struct {
	User     string
	Password string
}

func (c Credential) configured() bool {
	return strings.TrimSpace(c.User) != "" && c.Password != ""
}

type CredentialVerifier interface {
	Verify(ctx context.Context, req core.InboundRequest) error
}

// BasicCredentialVerifier checks HTTP basic credentials against the current
// and the previous credential so rotation needs no downtime.
type BasicCredentialVerifier struct {
	Current  Credential
	Previous Credential
}

func (v BasicCredentialVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	if !v.Current.configured() && !v.Previous.configured() {
		return ErrCredentialUnavailable
	}
	user, password, ok := parseBasicAuth(headerValue(req.Headers, "authorization"))
	if !ok {
		return ErrCredentialMissing
	}
	// Both candidates are always compared so timing does not reveal which
	// credential matched.
	current := matchCredential(v.Current, user, password)
	previous := matchCredential(v.Previous, user, password)
	if current|previous != 1 {
		return ErrCredentialMismatch
	}
	return nil
}

func matchCredential(expected Credential, user string, password string) int {
	if !expected.configured() {
		return 0
	}
	userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(expected.User))
	passwordMatch := subtle.ConstantTimeCompare([]byte(password), []byte(expected.Password))
	return userMatch & passwordMatch
}

func parseBasicAuth(header string) (string, string, bool) {
	const prefix = "basic "
	header = strings.TrimSpace(header)
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", false
	}
	return user, password, true
}

// SignatureMode controls what a failed signature check does.
//
// SignatureModeAdvisory is the default: a bad or missing signature is
// logged and counted, and the request proceeds on the strength of the basic
// credential alone. That means a leaked credential is enough to forge
// callbacks. Deployments whose provider always signs should use
// SignatureModeRequired.
type SignatureMode string

const (
	SignatureModeAdvisory SignatureMode = "advisory"
	SignatureModeRequired SignatureMode = "required"
)

// HeaderHMACVerifier checks an HMAC-SHA256 of the raw body carried in a
// request header.
type HeaderHMACVerifier struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string // hex | base64
}

// Enabled reports whether both a header name and a secret are configured.
func (v HeaderHMACVerifier) Enabled() bool {
	return strings.TrimSpace(v.Header) != "" && strings.TrimSpace(v.Secret) != ""
}

func (v HeaderHMACVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	header := strings.TrimSpace(headerValue(req.Headers, v.Header))
	if header == "" {
		return fmt.Errorf("%w: %s header is missing", ErrSignatureInvalid, strings.TrimSpace(v.Header))
	}
	signature := strings.TrimSpace(strings.TrimPrefix(header, strings.TrimSpace(v.Prefix)))
	if signature == "" {
		return fmt.Errorf("%w: signature value is empty", ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(v.Secret)))
	_, _ = mac.Write(req.Body)
	expected := mac.Sum(nil)

	var decoded []byte
	var err error
	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(signature)
	default:
		decoded, err = hex.DecodeString(signature)
	}
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrSignatureInvalid, err)
	}
	if subtle.ConstantTimeCompare(decoded, expected) != 1 {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign returns the hex HMAC of body, for tests and provider simulators.
func (v HeaderHMACVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(v.Secret)))
	_, _ = mac.Write(body)
	return strings.TrimSpace(v.Prefix) + hex.EncodeToString(mac.Sum(nil))
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
