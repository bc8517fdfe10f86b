package main

import (
	"context"
	mrand "math/rand"
	"sync"
	"time"
)

// sshVersions are banners of stock distribution builds, used when the
// presented version rotates.
var sshVersions = []string{
	"SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6",
	"SSH-2.0-OpenSSH_8.2p1 Ubuntu-4ubuntu0.11",
	"SSH-2.0-OpenSSH_9.3p1 Ubuntu-1ubuntu3.6",
	"SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.10",
	"SSH-2.0-OpenSSH_9.6p1 Ubuntu-3ubuntu13.5",
	"SSH-2.0-OpenSSH_9.2p1 Debian-2+deb12u3",
	defaultServerVersion,
}

// versionProfile holds the server version presented to new connections.
// Each connection snapshots it once so the handshake stays consistent.
type versionProfile struct {
	mu      sync.RWMutex
	current string
	pool    []string
	rng     *mrand.Rand
}

// newVersionProfile serves fixed until rotate is called. An empty pool
// pins fixed forever.
func newVersionProfile(fixed string, pool []string) *versionProfile {
	return &versionProfile{
		current: fixed,
		pool:    pool,
		rng:     mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
}

func (p *versionProfile) get() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *versionProfile) rotate() {
	if len(p.pool) == 0 {
		return
	}
	p.mu.Lock()
	p.current = p.pool[p.rng.Intn(len(p.pool))]
	v := p.current
	p.mu.Unlock()
	logEvent("INFO", "profile", "rotated server version: "+v)
}

// run rotates immediately and then on every tick until ctx is done.
func (p *versionProfile) run(ctx context.Context, every time.Duration) {
	p.rotate()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.rotate()
		}
	}
}
