// Package broker keeps exactly one backing coordination server alive while
// anyone on the machine still wants it. Processes register interest in a
// shared file; the first acquire starts the server, the last release stops
// it. A background reaper drops interests whose owner died without
// releasing, so a crashed process can never pin the server forever.
package broker

import (
	"context"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"
)

// Launcher starts and stops the actual backing server process.
type Launcher interface {
	Start(ctx context.Context) (pid int, addr string, err error)
	Stop(pid int) error
}

type Broker struct {
	reg      *Registry
	launcher Launcher
	grace    time.Duration
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}

	// aliveFn is swappable for tests; defaults to a signal-0 probe.
	aliveFn func(pid int) bool
}

func New(reg *Registry, launcher Launcher, interval, grace time.Duration) *Broker {
	return &Broker{
		reg:      reg,
		launcher: launcher,
		grace:    grace,
		interval: interval,
		done:     make(chan struct{}),
		aliveFn:  processAlive,
	}
}

// Acquire registers ownerID's interest and makes sure the server is running.
// Acquiring twice with the same owner is a refresh, not a second vote.
// Returns the server address and whether this call started the server.
func (b *Broker) Acquire(ctx context.Context, ownerID string) (addr string, started bool, err error) {
	err = b.reg.Update(func(st *registryState) error {
		st.upsertInterest(Interest{
			OwnerID:   ownerID,
			PID:       os.Getpid(),
			Heartbeat: time.Now().UTC(),
		})
		if st.ServerPID != 0 && b.aliveFn(st.ServerPID) {
			addr = st.Addr
			return nil
		}
		pid, a, err := b.launcher.Start(ctx)
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		st.ServerPID = pid
		st.Addr = a
		addr = a
		started = true
		return nil
	})
	return addr, started, err
}

// Release withdraws ownerID's interest. When the last interest goes, the
// server is stopped. Releasing an interest that was never registered is a
// no-op.
func (b *Broker) Release(_ context.Context, ownerID string) error {
	return b.reg.Update(func(st *registryState) error {
		if !st.removeInterest(ownerID) {
			return nil
		}
		return b.stopIfUnwanted(st)
	})
}

// Heartbeat refreshes ownerID's liveness stamp so the reaper leaves it alone.
func (b *Broker) Heartbeat(ownerID string) error {
	return b.reg.Update(func(st *registryState) error {
		now := time.Now().UTC()
		for i := range st.Interests {
			if st.Interests[i].OwnerID == ownerID {
				st.Interests[i].Heartbeat = now
				return nil
			}
		}
		return fmt.Errorf("heartbeat: owner %s has no interest registered", ownerID)
	})
}

// Start launches the background reap loop.
func (b *Broker) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.reap()
			}
		}
	}()
}

// Stop cancels the reap loop and waits for it to finish. A no-op when
// Start was never called.
func (b *Broker) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
}

// reap drops interests whose owner stopped heartbeating or whose process is
// gone, then stops the server if nobody is left.
func (b *Broker) reap() {
	err := b.reg.Update(func(st *registryState) error {
		cutoff := time.Now().UTC().Add(-b.grace)
		kept := st.Interests[:0]
		for _, in := range st.Interests {
			if in.Heartbeat.Before(cutoff) || !b.aliveFn(in.PID) {
				log.Printf("broker: reaping stale interest %s (pid %d)", in.OwnerID, in.PID)
				continue
			}
			kept = append(kept, in)
		}
		st.Interests = kept
		return b.stopIfUnwanted(st)
	})
	if err != nil {
		log.Printf("broker: reap: %v", err)
	}
}

func (b *Broker) stopIfUnwanted(st *registryState) error {
	if len(st.Interests) > 0 || st.ServerPID == 0 {
		return nil
	}
	if err := b.launcher.Stop(st.ServerPID); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	log.Printf("broker: stopped server pid %d (no interests left)", st.ServerPID)
	st.ServerPID = 0
	st.Addr = ""
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
