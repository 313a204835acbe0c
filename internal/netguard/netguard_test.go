package netguard

import (
	"context"
	"errors"
	"net"
	"testing"
)

func TestValidateHost(t *testing.T) {
	tests := []struct {
		host    string
		wantErr bool
	}{
		{"0x7f000001", true},
		{"2130706433", true},
		{"0177.0.0.1", true},
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"169.254.169.254", true},
		{"::ffff:192.168.1.1", true},
		{"ledger.example.com", false},
		{"8.8.8.8", false},
	}
	for _, tt := range tests {
		err := ValidateHost(tt.host)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateHost(%q) error=%v, wantErr=%v", tt.host, err, tt.wantErr)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://siem.example.com/ingest", false},
		{"http://hooks.example.com", false},
		{"ftp://example.com", true},
		{"file:///etc/passwd", true},
		{"https://192.168.0.10/x", true},
		{"https://", true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestDialContext_BlocksLoopback(t *testing.T) {
	_, err := DialContext(context.Background(), "tcp", "127.0.0.1:80")
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
}

func TestIsBlockedIP(t *testing.T) {
	if !IsBlockedIP(net.ParseIP("fe80::1")) {
		t.Error("link-local v6 should be blocked")
	}
	if IsBlockedIP(net.ParseIP("1.1.1.1")) {
		t.Error("public v4 should pass")
	}
}
