// Package deploy places the built artifacts on the remote host and in
// the local client role folders.
package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunloop/tunctl/internal/remote"
)

const (
	uploadTimeout = 60 * time.Second
	chmodTimeout  = 10 * time.Second
)

// ClientBinaryName is the filename the client artifact takes inside
// each role folder; the generated config and launcher both expect it.
const ClientBinaryName = "client"

// Server uploads the server artifact and sets its execute bit.
func Server(ctx context.Context, access remote.Access, localPath, remotePath string) error {
	log.Info().Str("artifact", localPath).Str("dest", remotePath).Msg("uploading server")
	if err := access.Upload(ctx, localPath, remotePath, uploadTimeout); err != nil {
		return fmt.Errorf("deploy: upload server: %w", err)
	}
	if _, err := access.Exec(ctx, "chmod +x "+remote.Quote(remotePath), chmodTimeout); err != nil {
		return fmt.Errorf("deploy: chmod server: %w", err)
	}
	return nil
}

// Clients copies the client artifact into each role folder, creating
// folders as needed. Reruns overwrite the previous binary.
func Clients(localPath string, folders []string) error {
	for _, folder := range folders {
		if err := os.MkdirAll(folder, 0o755); err != nil {
			return fmt.Errorf("deploy: create %s: %w", folder, err)
		}
		dest := filepath.Join(folder, ClientBinaryName)
		if err := copyFile(localPath, dest, 0o755); err != nil {
			return fmt.Errorf("deploy: copy client to %s: %w", folder, err)
		}
		log.Info().Str("dest", dest).Msg("client deployed")
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
