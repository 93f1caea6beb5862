package config

import (
	"fmt"
	"os"
)

func Template() string {
	return chainTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(chainTemplate), 0o600)
}

const chainTemplate = `name = "gatectl"
sink_buffer = 256

[log]
level = "info"

[session]
listen = "127.0.0.1:0"
connect_timeout = "5s"
write_timeout = "15s"
flush_timeout = "10s"
queue_depth = 64
workers = 1
max_connect_attempts = 5

[admin]
enabled = false
addr = "127.0.0.1:9400"
cors_origins = ["http://localhost:3000"]
# token = "" # or set GATESTREAM_ADMIN_TOKEN

[[plugins]]
name = "front"
definition = "circuit"

[[plugins]]
name = "op"
definition = "forward"

[[plugins]]
name = "back"
definition = "bits"
log_level = "debug"

[[plugins.arb_cmds]]
interface = "bits"
operation = "init"
json = '{"initial":false}'
`
