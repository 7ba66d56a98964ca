package ssh

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateEd25519Keypair(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "lynx-alpha.hcloudkey")
	pub, err := GenerateEd25519Keypair(priv, "lynx-alpha")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	info, err := os.Stat(priv)
	if err != nil {
		t.Fatalf("private key not written: %v", err)
	}
	if info.Mode().Perm() != 0o400 {
		t.Fatalf("mode = %v, want 0400", info.Mode().Perm())
	}
	if !strings.HasPrefix(pub, "ssh-ed25519 ") || !strings.HasSuffix(pub, " lynx-alpha") {
		t.Fatalf("unexpected public key %q", pub)
	}
	signer, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	if !strings.HasPrefix(pub, signer.PublicKey().Type()) {
		t.Fatalf("signer type %s does not match %q", signer.PublicKey().Type(), pub)
	}
}

func TestWriteKeyFileReplacesReadOnlyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "k.awskeypair")
	if err := WriteKeyFile(path, []byte("one")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteKeyFile(path, []byte("two")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	b, _ := os.ReadFile(path)
	if string(b) != "two" {
		t.Fatalf("content = %q", b)
	}
	if err := RemoveKeyFile(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := RemoveKeyFile(path); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
}
