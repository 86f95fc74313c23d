/*package comm defines the process-group collective communicator the host
simulation hands to the bridge, plus an in-process implementation used by
tests and the demo driver.

The shape follows MPI: ranks own disjoint particle sets, rank 0 is special,
point-to-point messages carry a tag, and collectives must be entered by all
ranks in the same order.
*/
package comm

import "encoding/binary"

// Request is a posted receive. Wait blocks until the message arrives and
// reports the payload size in bytes.
type Request interface {
	Wait() (int, error)
}

// Comm is one rank's handle on the process group.
type Comm interface {
	Rank() int
	Size() int

	// Send delivers p to dst. A nil or empty p is a bare synchronization
	// token.
	Send(dst, tag int, p []byte) error
	// Recv blocks for a message from src and copies it into p, returning
	// its size. Receiving into a short buffer is an error.
	Recv(src, tag int, p []byte) (int, error)
	// Irecv posts a receive to be completed by Wait. Receives from the
	// same source complete in posting order when waited in posting order.
	Irecv(src, tag int, p []byte) Request

	// Bcast distributes root's buffer to every rank. All ranks pass
	// buffers of the same length.
	Bcast(root int, p []byte) error

	AllreduceMaxInt(v int) (int, error)
	AllreduceSumInt(v int) (int, error)
}

// BcastInt broadcasts a single integer from root and returns the value
// every rank agreed on.
func BcastInt(c Comm, root, v int) (int, error) {
	var b [8]byte
	if c.Rank() == root {
		binary.LittleEndian.PutUint64(b[:], uint64(v))
	}
	if err := c.Bcast(root, b[:]); err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint64(b[:])), nil
}
