package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// AgentAuth authenticates with the keys held by the ssh-agent listening on
// socket. The connection must stay open until the handshake is done.
func AgentAuth(socket string) (xssh.AuthMethod, io.Closer, error) {
	if socket == "" {
		return nil, nil, errors.New("ssh agent: no socket")
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh agent: %w", err)
	}
	return xssh.PublicKeysCallback(agent.NewClient(conn).Signers), conn, nil
}
