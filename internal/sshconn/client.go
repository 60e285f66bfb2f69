package sshconn

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Result is the outcome of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Signal   string // set when the remote process was killed by a signal
}

// remoteClient is one live authenticated session. The Manager owns at
// most one at a time; tests substitute their own implementation.
type remoteClient interface {
	Ping(timeout time.Duration) error
	RunCommand(cmd string, timeout time.Duration) (*Result, error)
	Upload(localPath, remotePath string) error
	UploadBytes(data []byte, remotePath string) error
	DownloadFile(remotePath, localPath string) error
	DownloadTree(remoteDir, localDir string) error
	Close() error
}

// sshClient is the production remoteClient: one ssh.Client plus an
// sftp subsystem riding on it, with a transport-level keepalive.
type sshClient struct {
	ssh  *ssh.Client
	sftp *sftp.Client

	stopOnce sync.Once
	stop     chan struct{}
}

// Dialer opens fresh authenticated sessions. Separate from the Manager
// so tests can inject a fake dial function.
type Dialer struct {
	Addr          string // host:port
	Host          string // bare hostname, for error hints
	User          string
	IdentityFiles []string // empty means the standard candidates under ~/.ssh
}

var defaultIdentityFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Dial opens a new SSH connection and its sftp subsystem.
func (d *Dialer) Dial() (remoteClient, error) {
	methods := d.authMethods()

	cfg := &ssh.ClientConfig{
		User: d.User,
		Auth: methods,
		// Cluster head nodes rotate host keys behind load balancers;
		// pinning them breaks more than it protects here.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	conn, err := ssh.Dial("tcp", d.Addr, cfg)
	if err != nil {
		if len(methods) == 0 && isAuthFailure(err) {
			return nil, fmt.Errorf("no key material: %w", err)
		}
		return nil, err
	}

	sftpc, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening sftp subsystem: %w", err)
	}

	c := &sshClient{
		ssh:  conn,
		sftp: sftpc,
		stop: make(chan struct{}),
	}
	go c.keepalive()
	return c, nil
}

// authMethods probes identity files in order and uses the first one
// that exists and parses. Falls back to a running ssh-agent, and
// finally to default negotiation (the server may reject it).
func (d *Dialer) authMethods() []ssh.AuthMethod {
	candidates := d.IdentityFiles
	if len(candidates) == 0 {
		home, err := os.UserHomeDir()
		if err == nil {
			for _, name := range defaultIdentityFiles {
				candidates = append(candidates, filepath.Join(home, ".ssh", name))
			}
		}
	}

	for _, p := range candidates {
		key, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			continue
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			ag := agent.NewClient(conn)
			return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}
		}
	}

	return nil
}

// keepalive nudges the transport every keepaliveInterval so NAT and
// firewall state stays warm between operations. Runs beneath the
// Manager's coarser health check.
func (c *sshClient) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.ssh.SendRequest("keepalive@openssh.com", true, nil)
		}
	}
}

func (c *sshClient) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.sftp.Close()
	return c.ssh.Close()
}

// Ping runs a trivial remote command to prove the session still works.
func (c *sshClient) Ping(timeout time.Duration) error {
	res, err := c.RunCommand("true", timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("liveness probe exited with code %d", res.ExitCode)
	}
	return nil
}

// RunCommand executes cmd in a fresh session with stdout and stderr
// captured separately. A timeout closes the local session only; the
// remote process is not signalled and may keep running.
func (c *sshClient) RunCommand(cmd string, timeout time.Duration) (*Result, error) {
	sess, err := c.ssh.NewSession()
	if err != nil {
		return nil, &CommandError{Cmd: cmd, Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(cmd); err != nil {
		return nil, &CommandError{Cmd: cmd, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err := <-done:
		res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
				res.Signal = exitErr.Signal()
				return res, nil
			}
			return nil, &CommandError{Cmd: cmd, Err: err}
		}
		return res, nil
	case <-time.After(timeout):
		return nil, &CommandTimeoutError{Cmd: cmd, Timeout: timeout}
	}
}

func (c *sshClient) Upload(localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return &TransferError{Op: "upload", Path: localPath, Err: err}
	}
	defer src.Close()

	dst, err := c.sftp.Create(remotePath)
	if err != nil {
		return &TransferError{Op: "upload", Path: remotePath, Err: err}
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return &TransferError{Op: "upload", Path: remotePath, Err: err}
	}
	return nil
}

func (c *sshClient) UploadBytes(data []byte, remotePath string) error {
	dst, err := c.sftp.Create(remotePath)
	if err != nil {
		return &TransferError{Op: "upload", Path: remotePath, Err: err}
	}
	defer dst.Close()

	if _, err := dst.Write(data); err != nil {
		return &TransferError{Op: "upload", Path: remotePath, Err: err}
	}
	return nil
}

func (c *sshClient) DownloadFile(remotePath, localPath string) error {
	src, err := c.sftp.Open(remotePath)
	if err != nil {
		return &TransferError{Op: "download", Path: remotePath, Err: err}
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return &TransferError{Op: "download", Path: localPath, Err: err}
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return &TransferError{Op: "download", Path: localPath, Err: err}
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return &TransferError{Op: "download", Path: remotePath, Err: err}
	}
	return nil
}

// maxTreeDepth bounds recursion so a symlink cycle on the remote side
// cannot wedge a download. Symlinks themselves are never followed.
const maxTreeDepth = 32

func (c *sshClient) DownloadTree(remoteDir, localDir string) error {
	return c.downloadTree(remoteDir, localDir, 0)
}

func (c *sshClient) downloadTree(remoteDir, localDir string, depth int) error {
	if depth > maxTreeDepth {
		return &TransferError{Op: "download-tree", Path: remoteDir, Err: fmt.Errorf("directory nesting exceeds %d levels", maxTreeDepth)}
	}
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return &TransferError{Op: "download-tree", Path: localDir, Err: err}
	}

	entries, err := c.sftp.ReadDir(remoteDir)
	if err != nil {
		return &TransferError{Op: "download-tree", Path: remoteDir, Err: err}
	}

	for _, entry := range entries {
		remote := path.Join(remoteDir, entry.Name())
		local := filepath.Join(localDir, entry.Name())

		switch {
		case entry.Mode()&os.ModeSymlink != 0:
			// skipped: following links risks cycles and escapes
		case entry.IsDir():
			if err := c.downloadTree(remote, local, depth+1); err != nil {
				return err
			}
		case entry.Mode().IsRegular():
			if err := c.DownloadFile(remote, local); err != nil {
				return err
			}
		}
	}
	return nil
}
