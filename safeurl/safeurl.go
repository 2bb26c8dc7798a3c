// Package safeurl provides URL safety checks (SSRF prevention) and bounded
// I/O helpers shared by the validation gate and the content fetcher.
package safeurl

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

// MaxResponseBody is the default cap for HTTP response body reads (1 MiB).
const MaxResponseBody int64 = 1 << 20

// ErrSSRF is returned when a URL targets a private/loopback address.
var ErrSSRF = errors.New("safeurl: URL targets a private or loopback address")

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("safeurl: only http and https schemes are allowed")

// ErrResponseTooLarge is returned by LimitedReadAll when a body exceeds its cap.
var ErrResponseTooLarge = errors.New("safeurl: response body exceeds limit")

// Validate checks that rawURL uses http/https, has a hostname, and does
// not target a private or loopback address literally. It performs no
// I/O, so it is safe in purely functional validation paths; callers that
// actually connect should use ValidateResolved to also catch internal
// hostnames.
func Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("safeurl: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("safeurl: URL has no host")
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return ErrSSRF
	}
	if strings.EqualFold(host, "localhost") {
		return ErrSSRF
	}
	return nil
}

// ValidateResolved runs Validate, then resolves the hostname and rejects
// URLs whose addresses are private or loopback. This catches internal
// hostnames and DNS rebinding that the literal checks cannot.
func ValidateResolved(rawURL string) error {
	if err := Validate(rawURL); err != nil {
		return err
	}
	u, _ := url.Parse(rawURL)
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		// Literal IPs were fully checked by Validate.
		return nil
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		// DNS failure — allow through. The caller gets a network error at
		// connection time anyway, and a valid external host may be
		// temporarily unresolvable.
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrSSRF
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r. Returns ErrResponseTooLarge
// if the limit is exceeded.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
