// Package ports hands out TCP ports that were free at the moment of asking.
//
// Nothing is reserved: another process may grab the port before the container
// runtime binds it. Callers treat "address already in use" as retryable.
package ports

import (
	"fmt"
	"net"
)

// Allocator returns a port that is currently free.
type Allocator interface {
	AllocateFreePort() (int, error)
}

// OS asks the kernel for an ephemeral port by binding port 0.
type OS struct{}

// AllocateFreePort implements Allocator.
func (OS) AllocateFreePort() (int, error) {
	return AllocateFreePort()
}

// AllocateFreePort binds a listener on port 0, reads back the assigned port
// and closes the listener immediately.
func AllocateFreePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() { _ = l.Close() }()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %T", l.Addr())
	}
	return addr.Port, nil
}

// Func adapts a function to Allocator.
type Func func() (int, error)

// AllocateFreePort implements Allocator.
func (f Func) AllocateFreePort() (int, error) {
	return f()
}
