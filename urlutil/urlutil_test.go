package urlutil

import (
	"testing"

	httperrors "github.com/nczempin/httploop/errors"
)

func TestParse_Absolute(t *testing.T) {
	u, err := Parse("http://user:pw@example.com:8080/a/b;v=1?x=2#frag", false)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	want := URL{
		Scheme:     "http",
		UserInfo:   "user:pw",
		Host:       "example.com",
		Port:       "8080",
		Path:       "/a/b",
		Parameters: "v=1",
		Query:      "x=2",
		Fragment:   "frag",
	}
	if *u != want {
		t.Errorf("Expected %+v, got %+v", want, *u)
	}
	if got := u.RequestURI(); got != "/a/b;v=1?x=2" {
		t.Errorf("Unexpected request URI %q", got)
	}
	if got := u.Authority(); got != "example.com:8080" {
		t.Errorf("Unexpected authority %q", got)
	}
}

func TestParse_OriginForm(t *testing.T) {
	u, err := Parse("/json?pretty=1", false)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if u.Path != "/json" || u.Query != "pretty=1" || u.Host != "" {
		t.Errorf("Unexpected parse %+v", *u)
	}
	if _, _, err := u.HostService(); err == nil {
		t.Error("Expected HostService to fail without a host")
	}
}

func TestParse_OriginFormDoubleSlash(t *testing.T) {
	u, err := Parse("//evil/alpha?x=1", false)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if u.Host != "" || u.Path != "//evil/alpha" || u.Query != "x=1" {
		t.Errorf("Unexpected parse %+v", *u)
	}
	if got := u.RequestURI(); got != "//evil/alpha?x=1" {
		t.Errorf("Unexpected request URI %q", got)
	}
}

func TestParse_ConnectMode(t *testing.T) {
	u, err := Parse("example.com:443", true)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if u.Host != "example.com" || u.Port != "443" {
		t.Errorf("Unexpected parse %+v", *u)
	}
	if _, err := Parse("example.com", true); err == nil {
		t.Error("Expected missing port to fail in connect mode")
	}
}

func TestParse_Failures(t *testing.T) {
	for _, raw := range []string{"", "http://[::1", "http://host:99999/", "mailto:a@b"} {
		_, err := Parse(raw, false)
		if err == nil {
			t.Errorf("Expected %q to fail", raw)
			continue
		}
		if httperrors.TypeOf(err) != httperrors.ErrorInvalidArgument {
			t.Errorf("Expected invalid argument for %q, got %v", raw, err)
		}
	}
}

func TestHostService_DefaultPorts(t *testing.T) {
	tests := map[string]string{
		"http://example.com/":      "80",
		"https://example.com/":     "443",
		"http://127.0.0.1:9000/x":  "9000",
		"http://[::1]:8081/status": "8081",
	}
	for raw, wantPort := range tests {
		u, err := Parse(raw, false)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", raw, err)
		}
		_, service, err := u.HostService()
		if err != nil {
			t.Fatalf("HostService(%q) failed: %v", raw, err)
		}
		if service != wantPort {
			t.Errorf("%q: expected service %s, got %s", raw, wantPort, service)
		}
	}

	u, _ := Parse("ftp://example.com/", false)
	if _, _, err := u.HostService(); err == nil {
		t.Error("Expected unsupported scheme to fail")
	}
}
