package safeurl

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name, url string
		want      error
	}{
		{"https ok", "https://acme.example/page", nil},
		{"http ok", "http://acme.example", nil},
		{"public literal IP ok", "http://93.184.216.34/", nil},
		{"ftp scheme", "ftp://acme.example", ErrUnsafeScheme},
		{"file scheme", "file:///etc/passwd", ErrUnsafeScheme},
		{"loopback literal", "http://127.0.0.1/admin", ErrSSRF},
		{"private literal", "http://10.0.0.5/", ErrSSRF},
		{"link-local literal", "http://169.254.169.254/latest", ErrSSRF},
		{"unspecified literal", "http://0.0.0.0/", ErrSSRF},
		{"localhost", "http://localhost:8080/", ErrSSRF},
		{"localhost mixed case", "http://LocalHost/", ErrSSRF},
		{"ipv6 loopback", "http://[::1]/", ErrSSRF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.url)
			if tc.want == nil && err != nil {
				t.Fatalf("Validate(%q) = %v, want nil", tc.url, err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("Validate(%q) = %v, want %v", tc.url, err, tc.want)
			}
		})
	}
}

func TestValidate_DoesNotRequireResolution(t *testing.T) {
	// WHAT: a hostname that cannot resolve still passes Validate.
	// WHY: the submit-time gate must stay purely functional; the
	// resolve-time rejection belongs to ValidateResolved, run by the
	// fetcher right before it connects.
	if err := Validate("https://does-not-resolve.invalid/"); err != nil {
		t.Fatalf("Validate = %v, want nil", err)
	}
}

func TestValidateResolved_SharesLiteralChecks(t *testing.T) {
	if err := ValidateResolved("http://127.0.0.1/"); !errors.Is(err, ErrSSRF) {
		t.Fatalf("loopback literal = %v, want ErrSSRF", err)
	}
	if err := ValidateResolved("gopher://acme.example"); !errors.Is(err, ErrUnsafeScheme) {
		t.Fatalf("scheme = %v, want ErrUnsafeScheme", err)
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("exact fit: %q %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("over cap: %v, want ErrResponseTooLarge", err)
	}
}
