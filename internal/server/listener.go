package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// Listener accepts TCP clients and runs a worker per connection.
type Listener struct {
	addr         string
	router       RouterFunc
	writeTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	conns    map[string]*Connection
	wg       sync.WaitGroup
}

// RouterFunc builds a worker for an accepted connection. Indirection here
// keeps the accept loop testable without a full router stack.
type RouterFunc func(conn *Connection) *Worker

// NewListener configures a TCP listener; Start binds the port.
func NewListener(addr string, routerFn RouterFunc, writeTimeout time.Duration) *Listener {
	return &Listener{
		addr:         addr,
		router:       routerFn,
		writeTimeout: writeTimeout,
		conns:        make(map[string]*Connection),
	}
}

// Start binds the address and launches the accept loop.
func (l *Listener) Start() error {
	listener, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.listener = listener
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go l.acceptLoop(ctx, listener)

	log.Printf("listening: addr=%s", listener.Addr())
	return nil
}

// Addr returns the bound address, useful when the port was chosen by the OS.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *Listener) acceptLoop(ctx context.Context, listener net.Listener) {
	defer l.wg.Done()

	backoff := 5 * time.Millisecond
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient accept failures (fd exhaustion and the like) get a
			// capped backoff instead of a hot loop.
			log.Printf("accept failed: %v", err)
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 5 * time.Millisecond

		l.serve(ctx, NewTCPWire(conn))
	}
}

// serve runs a worker for an established wire. The WebSocket gateway calls
// this too, so both transports share one lifecycle.
func (l *Listener) serve(ctx context.Context, wire Wire) {
	conn := NewConnection(wire, l.writeTimeout)
	worker := l.router(conn)

	l.mu.Lock()
	l.conns[conn.ID()] = conn
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		worker.Run(ctx)

		l.mu.Lock()
		delete(l.conns, conn.ID())
		l.mu.Unlock()
	}()
}

// Stop closes the listener, cancels every worker, and waits for them to
// drain. Safe to call before Start or more than once.
func (l *Listener) Stop() error {
	l.mu.Lock()
	listener := l.listener
	cancel := l.cancel
	l.listener = nil
	l.cancel = nil
	l.mu.Unlock()

	if listener == nil {
		return nil
	}

	err := listener.Close()
	cancel()

	// Workers block in reads; closing the wires unblocks them.
	l.mu.Lock()
	for _, conn := range l.conns {
		_ = conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	return err
}
