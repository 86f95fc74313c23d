/*package sock is a thin stream-socket layer for the IMD endpoint.

It deliberately sits on raw file descriptors instead of net.Conn: the
protocol loop gates every accept and send on poll-style readiness probes
with bounded timeouts (selread/selwrite in the classic IMD code), which the
net package does not expose. Interrupted system calls are retried
transparently.
*/
package sock

import (
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var initOnce sync.Once

// Init performs process-wide socket layer startup. It exists for symmetry
// with platform socket APIs that need it; on unix there is nothing to do.
// Create calls it implicitly.
func Init() error {
	initOnce.Do(func() {})
	return nil
}

// Endpoint is one stream socket, either listening or connected.
type Endpoint struct {
	fd int
}

// Create opens a fresh TCP socket.
func Create() (*Endpoint, error) {
	Init()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	return &Endpoint{fd: fd}, nil
}

// Bind binds the socket to the given TCP port on all interfaces.
// Port 0 asks the kernel for an unused port; see Port.
func (e *Endpoint) Bind(port int) error {
	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(e.fd, sa); err != nil {
		return fmt.Errorf("bind port %d: %w", port, err)
	}
	return nil
}

// Listen starts accepting connections.
func (e *Endpoint) Listen() error {
	if err := unix.Listen(e.fd, 5); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Port reports the port the socket is bound to.
func (e *Endpoint) Port() (int, error) {
	sa, err := unix.Getsockname(e.fd)
	if err != nil {
		return 0, err
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("unexpected sockaddr %T", sa)
	}
	return in4.Port, nil
}

// Accept takes one pending connection and returns it as a new endpoint.
func (e *Endpoint) Accept() (*Endpoint, error) {
	for {
		nfd, _, err := unix.Accept(e.fd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("accept: %w", err)
		}
		return &Endpoint{fd: nfd}, nil
	}
}

// Read reads up to len(p) bytes. A closed peer reads as io.EOF.
func (e *Endpoint) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(e.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write writes from p with a single system call, retrying only on
// interruption. Callers needing the full buffer on the wire loop over it
// (proto.Writen).
func (e *Endpoint) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(e.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// ReadReady reports whether a read (or accept) would complete without
// blocking, waiting at most timeout. A zero timeout polls. A nil endpoint
// is never ready.
func (e *Endpoint) ReadReady(timeout time.Duration) (bool, error) {
	return e.ready(unix.POLLIN, timeout)
}

// WriteReady reports whether a write would complete without blocking.
func (e *Endpoint) WriteReady(timeout time.Duration) (bool, error) {
	return e.ready(unix.POLLOUT, timeout)
}

func (e *Endpoint) ready(events int16, timeout time.Duration) (bool, error) {
	if e == nil {
		return false, nil
	}
	fds := []unix.PollFd{{Fd: int32(e.fd), Events: events}}
	ms := int(timeout / time.Millisecond)
	for {
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
}

// Shutdown completes pending sends and sends FIN.
func (e *Endpoint) Shutdown() {
	if e == nil {
		return
	}
	unix.Shutdown(e.fd, unix.SHUT_WR)
}

// Close releases the descriptor.
func (e *Endpoint) Close() error {
	if e == nil {
		return nil
	}
	return unix.Close(e.fd)
}
