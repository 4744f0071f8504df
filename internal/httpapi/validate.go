// File: internal/httpapi/validate.go
// Description: Request validation. URL shape and length bounds, text bounds,
// and the SSRF guard rejecting private, loopback and blocked destinations.

package httpapi

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	maxURLLength  = 2048
	maxTextLength = 10000
)

// ValidationError marks a request that must be rejected with 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Validator checks request fields before any session work begins.
type Validator struct {
	// SSRFGuard rejects private, loopback and link-local destinations.
	SSRFGuard bool
	// BlockedDomains are refused outright (exact or subdomain match).
	BlockedDomains []string
}

// URL validates a navigation target.
func (v *Validator) URL(raw string) error {
	if raw == "" {
		return &ValidationError{Field: "url", Message: "must not be empty"}
	}
	if len(raw) > maxURLLength {
		return &ValidationError{Field: "url", Message: fmt.Sprintf("longer than %d characters", maxURLLength)}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "url", Message: "not a well-formed URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Message: "scheme must be http or https"}
	}
	host := u.Hostname()
	if host == "" {
		return &ValidationError{Field: "url", Message: "must include a host"}
	}

	for _, blocked := range v.BlockedDomains {
		if hostMatches(host, blocked) {
			return &ValidationError{Field: "url", Message: fmt.Sprintf("domain %q is blocked", host)}
		}
	}

	if v.SSRFGuard {
		if err := checkSSRF(host); err != nil {
			return err
		}
	}
	return nil
}

// Text validates free-form instruction or input text.
func (v *Validator) Text(field, s string) error {
	if strings.TrimSpace(s) == "" {
		return &ValidationError{Field: field, Message: "must not be empty"}
	}
	if len(s) > maxTextLength {
		return &ValidationError{Field: field, Message: fmt.Sprintf("longer than %d characters", maxTextLength)}
	}
	return nil
}

// checkSSRF rejects hosts that are, or resolve trivially to, non-public
// addresses. Only literal IPs and well-known local names are checked; DNS
// resolution is left to the browser, which runs with its own sandboxing.
func checkSSRF(host string) error {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || lower == "metadata.google.internal" {
		return &ValidationError{Field: "url", Message: "local destinations are not allowed"}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if isPrivateIP(ip) {
		return &ValidationError{Field: "url", Message: "private or loopback addresses are not allowed"}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func hostMatches(host, blocked string) bool {
	host = strings.ToLower(host)
	blocked = strings.ToLower(blocked)
	return host == blocked || strings.HasSuffix(host, "."+blocked)
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
