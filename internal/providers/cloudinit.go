package providers

import (
	"fmt"
	"strings"
)

// WorkerUserData returns cloud-init YAML run on first boot of a cloud node.
// It disables password logins and installs what remote configuration needs
// (python3 for ansible, docker for the worker image). The ports are opened in
// the host firewall when ufw is present.
func WorkerUserData(nodeName string, ports []string) string {
	var allow strings.Builder
	for _, p := range ports {
		fmt.Fprintf(&allow, "  - ufw allow %s/tcp || true\n", p)
	}
	return fmt.Sprintf(`#cloud-config
hostname: %s
ssh_pwauth: false
package_update: true
packages:
  - python3
  - docker.io
write_files:
  - path: /etc/ssh/sshd_config.d/99-cloudworkers.conf
    permissions: '0644'
    content: |
      PasswordAuthentication no
      ChallengeResponseAuthentication no
runcmd:
  - systemctl enable --now docker
%s  - systemctl reload ssh || systemctl reload sshd || true
`, nodeName, allow.String())
}
