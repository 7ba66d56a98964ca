package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushFile uploads a local file to a remote path via SFTP and verifies the
// remote sha256 afterwards. A mismatching upload is removed.
func PushFile(ctx context.Context, client *xssh.Client, localPath, remotePath string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	hasher := sha256.New()
	if _, err := io.Copy(dst, io.TeeReader(src, hasher)); err != nil {
		dst.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}
	if mode != 0 {
		if err := sf.Chmod(remotePath, mode); err != nil {
			return fmt.Errorf("chmod remote: %w", err)
		}
	}
	want := hex.EncodeToString(hasher.Sum(nil))
	if err := verifyChecksum(client, remotePath, want); err != nil {
		_ = sf.Remove(remotePath)
		return err
	}
	return nil
}

func verifyChecksum(client *xssh.Client, remotePath, want string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer session.Close()
	out, err := session.Output("sha256sum " + shellQuote(remotePath))
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	got, _, _ := strings.Cut(strings.TrimSpace(string(out)), " ")
	if got != want {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", remotePath, want, got)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
