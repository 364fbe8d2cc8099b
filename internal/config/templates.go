package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes a starter config to path. It refuses to clobber
// an existing file unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(starterTemplate), 0o600)
}

const starterTemplate = `log_level = "info"

[server]
address = "203.0.113.10"
port = 9000
domain = "tunnel.example.com"

[server.ssh]
user = "root"
key_path = "~/.ssh/tunloop_ed25519"
port = 22
connect_timeout_seconds = 5
insecure_skip_host_key = true

[server.service]
name = "tunloop.service"
process_pattern = "tunloop-server"
binary_remote_path = "/opt/tunloop/tunloop-server"

[build]
source_dir = "."
server_goos = "linux"
server_goarch = "amd64"

[listener]
folder = "~/tunloop/listen-client"
client_id = "listen-client"
secret = "listen-secret"

[listener.endpoint]
address = "127.0.0.1"
port = 3307
user = "root"
password = "changeme"
query = "SELECT * FROM sbtest.sbtest1 LIMIT 10000"

[target]
folder = "~/tunloop/target-client"
client_id = "target-client"
secret = "target-secret"

[verify]
rounds = 3
connect_timeout_seconds = 15
read_timeout_seconds = 30

[timing]
graceful_stop_seconds = 10
service_settle_seconds = 3
target_settle_seconds = 3
session_settle_seconds = 5
round_cooldown_seconds = 5
`
