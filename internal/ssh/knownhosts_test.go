package ssh

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestAppendKeyIsTrustedAfterwards(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	key := mustKey(t, filepath.Join(dir, "id_ed25519"))
	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 22}

	if err := appendKey(kh, "192.0.2.10:22", key); err != nil {
		t.Fatalf("append known host: %v", err)
	}
	b, err := os.ReadFile(kh)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if len(b) == 0 {
		t.Fatalf("expected content in known_hosts")
	}
	strict, err := LoadKnownHostsCallback(kh)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if err := strict("192.0.2.10:22", addr, key); err != nil {
		t.Fatalf("recorded key should be accepted: %v", err)
	}
}

func TestTrustOnFirstUse(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	first := mustKey(t, filepath.Join(dir, "a"))
	second := mustKey(t, filepath.Join(dir, "b"))
	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 22}

	cb, err := TrustOnFirstUse(kh)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if err := cb("192.0.2.10:22", addr, first); err != nil {
		t.Fatalf("first contact should be accepted: %v", err)
	}
	if err := cb("192.0.2.10:22", addr, first); err != nil {
		t.Fatalf("known key should be accepted: %v", err)
	}
	if err := cb("192.0.2.10:22", addr, second); err == nil {
		t.Fatalf("changed key must be rejected")
	}
}

func mustKey(t *testing.T, path string) ssh.PublicKey {
	t.Helper()
	pub, err := GenerateEd25519Keypair(path, "")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pub))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return key
}
