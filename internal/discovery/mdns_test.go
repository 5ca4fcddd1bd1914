// ABOUTME: Tests for mDNS service discovery
// ABOUTME: Validates manager creation and lifecycle without real network traffic
package discovery

import (
	"testing"
	"time"
)

func TestNewManager(t *testing.T) {
	manager := NewManager(Config{
		ServiceName: "test-relay",
		Port:        8937,
	}, nil)
	defer manager.Stop()

	if manager.config.ServiceName != "test-relay" {
		t.Errorf("ServiceName = %q, want test-relay", manager.config.ServiceName)
	}
	if manager.config.Port != 8937 {
		t.Errorf("Port = %d, want 8937", manager.config.Port)
	}
	if manager.servers == nil {
		t.Error("servers channel is nil")
	}
	if manager.logger == nil {
		t.Error("nil logger not replaced with default")
	}
}

func TestServersChannelEmptyBeforeBrowse(t *testing.T) {
	manager := NewManager(Config{ServiceName: "test", Port: 8937}, nil)
	defer manager.Stop()

	select {
	case info := <-manager.Servers():
		t.Errorf("unexpected server before Browse: %+v", info)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopCancelsContext(t *testing.T) {
	manager := NewManager(Config{ServiceName: "test", Port: 8937}, nil)
	manager.Stop()

	select {
	case <-manager.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by Stop")
	}
}

func TestGetLocalIPs(t *testing.T) {
	ips, err := getLocalIPs()
	if err != nil {
		t.Fatalf("getLocalIPs: %v", err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() {
			t.Errorf("loopback address %s in local IP list", ip)
		}
		if ip.To4() == nil {
			t.Errorf("non-IPv4 address %s in local IP list", ip)
		}
	}
}
