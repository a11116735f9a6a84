package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ///////////////////////////////////////////////
// PID Lock
// ///////////////////////////////////////////////

// errAlreadyRunning is returned by acquirePIDLock when another daemon holds
// the lock.
var errAlreadyRunning = errors.New("daemon already running")

// pidLock is the single-instance lock. The file holds "PID:TOKEN"; the
// token lets release skip removing a file another instance rewrote.
type pidLock struct {
	path  string
	token string
	f     *os.File
}

func newPIDToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// acquirePIDLock locks the PID file at path and records this process in
// it. The lock is held until release.
func acquirePIDLock(path string) (*pidLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open PID file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		if pid, ok := readPID(path); ok {
			return nil, fmt.Errorf("%w (pid %d)", errAlreadyRunning, pid)
		}
		return nil, errAlreadyRunning
	}

	l := &pidLock{path: path, token: newPIDToken(), f: f}
	if err := f.Truncate(0); err != nil {
		l.unlock()
		return nil, fmt.Errorf("truncate PID file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d:%s", os.Getpid(), l.token); err != nil {
		l.unlock()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return l, nil
}

func (l *pidLock) unlock() {
	if l.f != nil {
		_ = unlockFile(l.f)
		l.f.Close()
		l.f = nil
	}
}

// release unlocks and removes the PID file if it still carries our token.
func (l *pidLock) release() {
	l.unlock()
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	if _, token, ok := strings.Cut(string(data), ":"); ok && token == l.token {
		os.Remove(l.path)
	}
}

// readPID parses the PID recorded in the file at path.
func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	head, _, _ := strings.Cut(strings.TrimSpace(string(data)), ":")
	pid, err := strconv.Atoi(head)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// daemonAlive reports whether a daemon holds the lock at path, and its PID
// when known. A stale file left by a crashed daemon is removed.
func daemonAlive(path string) (bool, int) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return false, 0
	}
	if err := lockFile(f); err != nil {
		f.Close()
		pid, _ := readPID(path)
		return true, pid
	}
	_ = unlockFile(f)
	f.Close()
	os.Remove(path)
	return false, 0
}
