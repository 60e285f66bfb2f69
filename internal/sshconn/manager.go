// Package sshconn owns the single reusable SSH session to the cluster
// plus everything that keeps it usable: bounded connect retries with
// exponential backoff, a liveness check, call-site retries for
// commands and transfers, and the connection error taxonomy.
package sshconn

import (
	"log"
	"math/rand"
	"sync"
	"time"
)

const (
	connectTimeout      = 30 * time.Second
	connectAttempts     = 3
	backoffBase         = 2 * time.Second
	backoffJitter       = 0.25
	acquireWaitTimeout  = 60 * time.Second
	livenessTimeout     = 2 * time.Second
	healthCheckInterval = 30 * time.Second
	keepaliveInterval   = 10 * time.Second

	// DefaultCommandTimeout applies when a caller passes 0.
	DefaultCommandTimeout = 60 * time.Second

	callRetries    = 2
	callRetryPause = 1 * time.Second
)

// Manager lazily creates and caches one remote session, reusing it
// across operations until it fails a liveness probe. Concurrent
// acquisition attempts are collapsed into one handshake; concurrent
// commands and transfers share the established session freely.
type Manager struct {
	dial func() (remoteClient, error)
	host string

	mu         sync.Mutex
	client     remoteClient
	connecting bool
	connDone   chan struct{} // closed when an in-flight attempt finishes
	attempts   int           // consecutive connect attempts, for logging
	lastTry    time.Time

	healthStop chan struct{}

	// test seams
	sleep func(time.Duration)
	jitt  func() float64
}

// NewManager builds a Manager around a Dialer.
func NewManager(d *Dialer) *Manager {
	return &Manager{
		dial:  d.Dial,
		host:  d.Host,
		sleep: time.Sleep,
		jitt:  rand.Float64,
	}
}

// Close tears down the cached session, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidateLocked()
}

// acquire returns a live session, reusing the cached one when its
// liveness probe passes. Exactly one caller performs the handshake;
// others wait for it (bounded), then re-check the cache.
func (m *Manager) acquire() (remoteClient, error) {
	for {
		m.mu.Lock()
		if m.client != nil {
			c := m.client
			m.mu.Unlock()
			if err := c.Ping(livenessTimeout); err == nil {
				return c, nil
			}
			log.Printf("sshconn: cached connection failed liveness probe, reconnecting")
			m.dropClient(c)
			continue
		}

		if m.connecting {
			done := m.connDone
			m.mu.Unlock()
			select {
			case <-done:
				continue // re-check the cache
			case <-time.After(acquireWaitTimeout):
				return nil, ErrAcquireWait
			}
		}

		m.connecting = true
		m.connDone = make(chan struct{})
		done := m.connDone
		m.mu.Unlock()

		c, err := m.connect()

		m.mu.Lock()
		m.connecting = false
		if err == nil {
			m.client = c
			m.startHealthLoopLocked()
		}
		m.mu.Unlock()
		close(done)

		return c, err
	}
}

// connect is the bounded retry loop: fresh handshake per attempt,
// exponential backoff with jitter between attempts, immediate abort on
// authentication failures.
func (m *Manager) connect() (remoteClient, error) {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		m.mu.Lock()
		m.attempts++
		m.lastTry = time.Now()
		m.mu.Unlock()

		c, err := m.dial()
		if err == nil {
			m.mu.Lock()
			m.attempts = 0
			m.mu.Unlock()
			log.Printf("sshconn: connected to %s", m.host)
			return c, nil
		}
		lastErr = err

		if isAuthFailure(err) {
			return nil, &AuthError{Err: err}
		}

		log.Printf("sshconn: attempt %d/%d failed: %v", attempt, connectAttempts, err)
		if attempt < connectAttempts {
			m.sleep(m.backoff(attempt))
		}
	}
	return nil, &ConnectError{
		Err:         lastErr,
		Attempts:    connectAttempts,
		Remediation: remediation(lastErr, m.host),
	}
}

// backoff returns base*2^(attempt-1) with ±25% jitter.
func (m *Manager) backoff(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	spread := 1 + backoffJitter*(2*m.jitt()-1)
	return time.Duration(float64(d) * spread)
}

// startHealthLoopLocked re-probes the cached connection on an interval
// and drops it on failure so the next acquire reconnects. Caller holds
// m.mu.
func (m *Manager) startHealthLoopLocked() {
	stop := make(chan struct{})
	m.healthStop = stop
	c := m.client

	go func() {
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.Ping(livenessTimeout); err != nil {
					log.Printf("sshconn: health check failed: %v", err)
					m.dropClient(c)
					return
				}
			}
		}
	}()
}

// dropClient invalidates c if it is still the cached session.
func (m *Manager) dropClient(c remoteClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == c {
		m.invalidateLocked()
	}
}

func (m *Manager) invalidateLocked() {
	if m.healthStop != nil {
		close(m.healthStop)
		m.healthStop = nil
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
}

// withRetry runs op against an acquired session, retrying a bounded
// number of times. A connection-class failure drops the cached session
// so the next attempt reacquires from scratch.
func (m *Manager) withRetry(op func(remoteClient) error) error {
	var lastErr error
	for attempt := 0; attempt <= callRetries; attempt++ {
		if attempt > 0 {
			m.sleep(callRetryPause)
		}
		c, err := m.acquire()
		if err != nil {
			return err
		}
		if err := op(c); err != nil {
			lastErr = err
			if isConnFailure(err) {
				m.dropClient(c)
			}
			continue
		}
		return nil
	}
	return lastErr
}

// Run executes a command and returns its captured output and exit
// code. A nonzero exit is reported in the Result, not as an error.
// A zero timeout selects DefaultCommandTimeout. Timed-out commands are
// not cancelled remotely.
func (m *Manager) Run(cmd string, timeout time.Duration) (*Result, error) {
	if timeout == 0 {
		timeout = DefaultCommandTimeout
	}
	var res *Result
	err := m.withRetry(func(c remoteClient) error {
		var err error
		res, err = c.RunCommand(cmd, timeout)
		return err
	})
	return res, err
}

// RunChecked is Run plus a nonzero-exit check: any nonzero exit code
// becomes a CommandError.
func (m *Manager) RunChecked(cmd string, timeout time.Duration) (*Result, error) {
	res, err := m.Run(cmd, timeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, &CommandError{Cmd: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

// Upload copies a local file to the remote path.
func (m *Manager) Upload(localPath, remotePath string) error {
	return m.withRetry(func(c remoteClient) error {
		return c.Upload(localPath, remotePath)
	})
}

// UploadBytes writes in-memory content to the remote path.
func (m *Manager) UploadBytes(data []byte, remotePath string) error {
	return m.withRetry(func(c remoteClient) error {
		return c.UploadBytes(data, remotePath)
	})
}

// DownloadFile copies one remote file to the local path.
func (m *Manager) DownloadFile(remotePath, localPath string) error {
	return m.withRetry(func(c remoteClient) error {
		return c.DownloadFile(remotePath, localPath)
	})
}

// DownloadTree mirrors a remote directory into a local one.
func (m *Manager) DownloadTree(remoteDir, localDir string) error {
	return m.withRetry(func(c remoteClient) error {
		return c.DownloadTree(remoteDir, localDir)
	})
}
