// Package transfer fetches per-node benchmark and service logs over SFTP for
// aggregation hosts that do not mount the job's shared filesystem.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultConnectTimeout is the default timeout for establishing SSH connections
	DefaultConnectTimeout = 30 * time.Second
)

// Credentials holds SSH connection details for one node
type Credentials struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte // PEM-encoded private key
}

// Validate checks that the credentials have all required fields
func (c *Credentials) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if len(c.PrivateKey) == 0 {
		return fmt.Errorf("private key cannot be empty")
	}
	return nil
}

// Fetcher downloads job logs from a node over SSH/SFTP
type Fetcher struct {
	creds          Credentials
	connectTimeout time.Duration
}

// Option configures a Fetcher instance
type Option func(*Fetcher)

// WithConnectTimeout sets the connection timeout
func WithConnectTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.connectTimeout = d
	}
}

// New creates a new Fetcher with the given credentials
func New(creds Credentials, opts ...Option) *Fetcher {
	f := &Fetcher{
		creds:          creds,
		connectTimeout: DefaultConnectTimeout,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Download copies a remote file to the local filesystem
func (f *Fetcher) Download(ctx context.Context, remotePath, localPath string) error {
	if remotePath == "" {
		return fmt.Errorf("remote path cannot be empty")
	}
	if localPath == "" {
		return fmt.Errorf("local path cannot be empty")
	}

	client, sftpClient, err := f.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	defer sftpClient.Close()

	return f.download(ctx, sftpClient, remotePath, localPath)
}

// FetchJobLogs downloads every log file for jobID from remoteDir into
// localDir and returns the local paths, rank-log naming preserved. One SSH
// connection serves the whole batch.
func (f *Fetcher) FetchJobLogs(ctx context.Context, jobID, remoteDir, localDir string) ([]string, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID cannot be empty")
	}
	if remoteDir == "" {
		return nil, fmt.Errorf("remote directory cannot be empty")
	}

	client, sftpClient, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer sftpClient.Close()

	entries, err := sftpClient.ReadDir(remoteDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote directory: %w", err)
	}

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create local directory: %w", err)
	}

	prefix := jobID + "_"
	var fetched []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
			continue
		}

		localPath := filepath.Join(localDir, name)
		if err := f.download(ctx, sftpClient, path.Join(remoteDir, name), localPath); err != nil {
			return fetched, fmt.Errorf("failed to fetch %s: %w", name, err)
		}
		fetched = append(fetched, localPath)
	}

	return fetched, nil
}

func (f *Fetcher) download(ctx context.Context, sftpClient *sftp.Client, remotePath, localPath string) error {
	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return fmt.Errorf("failed to open remote file: %w", err)
	}
	defer remoteFile.Close()

	localDir := filepath.Dir(localPath)
	if localDir != "" && localDir != "." {
		if err := os.MkdirAll(localDir, 0o755); err != nil {
			return fmt.Errorf("failed to create local directory: %w", err)
		}
	}

	localFile, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer localFile.Close()

	// Copy with context cancellation support
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(localFile, remoteFile)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			// Clean up partial file on error
			localFile.Close()
			os.Remove(localPath)
			return fmt.Errorf("failed to copy file: %w", err)
		}
		return nil
	case <-ctx.Done():
		localFile.Close()
		os.Remove(localPath)
		return fmt.Errorf("download cancelled: %w", ctx.Err())
	}
}

// connect establishes the SSH and SFTP sessions
func (f *Fetcher) connect(ctx context.Context) (*ssh.Client, *sftp.Client, error) {
	if err := f.creds.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid credentials: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(f.creds.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User: f.creds.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // Ephemeral cluster nodes have dynamic host keys
		Timeout:         f.connectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", f.creds.Host, f.creds.Port)

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to create sftp client: %w", err)
	}

	return client, sftpClient, nil
}
