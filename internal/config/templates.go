package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteTemplate writes a commented config file holding the stock defaults.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fileTemplate), 0o600)
}

const fileTemplate = `# crunchmage provisioning config. Every key is optional.

[toolchain]
version = "1.23.4"
archive_url = "https://go.dev/dl/go{version}.linux-{arch}.tar.gz"
install_root = "/usr/local"
profile = "/etc/profile"
# ask | yes | no
reinstall = "ask"

[source]
repo_url = "https://github.com/TLop503/LogCrunch.git"
branch = ""
project_dir = "LogCrunch"
marker = "go.mod"
# module path the marker must declare; "" accepts any go.mod
module = "github.com/TLop503/LogCrunch"

[[build]]
name = "server"
package = "./server"
output = "~/logcrunch_server"

[[build]]
name = "agent"
package = "./agent"
output = "~/logcrunch_agent"

[crypto]
dir = "~/logcrunch_crypto"
common_name = "localhost"
days = 365
key_bits = 4096

[agent]
config_path = "~/logcrunch_config/agent_config.yaml"

[[agent.targets]]
name = "Auth"
path = "/var/log/auth.log"
severity = "low"
custom = false
module = "syslog"

[[agent.targets]]
name = "Syslog"
path = "/var/log/syslog"
severity = "medium"
custom = false
module = "syslog"

[launch]
# delay sleeps launch_delay; tcp polls host:port until the server accepts.
readiness = "delay"
ready_timeout = "15s"
launch_delay = "3s"
skip_agent = false
`
