package sshconn

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// AuthError is a handshake rejection by the remote side. Never retried.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ssh authentication failed: %v (check your key files and that your account is enabled on the cluster)", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectError is a failed connection acquisition after all attempts.
// Remediation carries a human-readable hint keyed off the cause.
type ConnectError struct {
	Err         error
	Attempts    int
	Remediation string
}

func (e *ConnectError) Error() string {
	msg := fmt.Sprintf("could not connect after %d attempts: %v", e.Attempts, e.Err)
	if e.Remediation != "" {
		msg += "; " + e.Remediation
	}
	return msg
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ErrAcquireWait is returned when a caller gave up waiting for another
// caller's in-flight connection attempt.
var ErrAcquireWait = errors.New("timed out waiting for an in-progress connection attempt")

// CommandError is a remote command that completed with a nonzero exit
// code, or could not be started at all.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote command %q failed: %v", e.Cmd, e.Err)
	}
	msg := fmt.Sprintf("remote command %q exited with code %d", e.Cmd, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// CommandTimeoutError is a remote command that did not finish within
// its timeout. The remote process is NOT cancelled and may still be
// running on the cluster.
type CommandTimeoutError struct {
	Cmd     string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("remote command %q timed out after %s (the remote process may still be running)", e.Cmd, e.Timeout)
}

// TransferError is a failed upload or download.
type TransferError struct {
	Op   string // "upload", "download", "download-tree"
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s of %s failed: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// isAuthFailure classifies handshake errors that retrying cannot fix.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "Permission denied")
}

// isConnFailure reports whether an operation error means the cached
// session is unusable and must be reestablished.
func isConnFailure(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection lost") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "EOF")
}

// remediation maps a connect failure onto an actionable hint.
func remediation(err error, host string) string {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Sprintf("the hostname %q could not be resolved; check the host entry in your config", host)
	}
	if errors.Is(err, os.ErrNotExist) {
		return "no SSH identity file was found; generate one with ssh-keygen or point identity_files at an existing key"
	}

	var netErr net.Error
	msg := err.Error()
	switch {
	case errors.As(err, &netErr) && netErr.Timeout(), strings.Contains(msg, "i/o timeout"):
		return fmt.Sprintf("connection to %s timed out; check your network (VPN?) and that the host is reachable", host)
	case strings.Contains(msg, "connection refused"):
		return fmt.Sprintf("%s refused the connection; verify the SSH port in your config", host)
	case strings.Contains(msg, "no such host"):
		return fmt.Sprintf("the hostname %q could not be resolved; check the host entry in your config", host)
	case strings.Contains(msg, "no key material"):
		return "no SSH identity file was found; generate one with ssh-keygen or point identity_files at an existing key"
	}
	return ""
}
