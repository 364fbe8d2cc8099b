// Package clientcfg renders per-role client configuration files.
package clientcfg

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/rs/zerolog/log"
)

// FileName is the config filename the client binary is launched with.
const FileName = "client-config.yaml"

// RoleSpec is the input for one rendered config. Output is a pure
// function of these fields, so regeneration is idempotent.
type RoleSpec struct {
	Folder     string
	ClientID   string
	Secret     string
	ServerAddr string
	ServerPort int
}

var configTemplate = template.Must(template.New("client-config").Parse(
	`# Tunloop client configuration
client_id: {{.ClientID}}
auth_token: "{{.Secret}}"
anonymous: false

server:
  protocol: udp
  address: {{.ServerAddr}}:{{.ServerPort}}

log:
  level: info
  format: text
  output: file
`))

// Render returns the config file content for one role.
func Render(spec RoleSpec) ([]byte, error) {
	var buf bytes.Buffer
	if err := configTemplate.Execute(&buf, spec); err != nil {
		return nil, fmt.Errorf("clientcfg: render %s: %w", spec.ClientID, err)
	}
	return buf.Bytes(), nil
}

// Generate writes the rendered config into the role folder, creating
// the folder if needed. An existing file is overwritten.
func Generate(spec RoleSpec) error {
	content, err := Render(spec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(spec.Folder, 0o755); err != nil {
		return fmt.Errorf("clientcfg: create %s: %w", spec.Folder, err)
	}
	path := filepath.Join(spec.Folder, FileName)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("clientcfg: write %s: %w", path, err)
	}
	log.Info().Str("path", path).Str("client_id", spec.ClientID).Msg("client config generated")
	return nil
}
