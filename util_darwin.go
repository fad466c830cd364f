//go:build darwin

package sockpuppet

import "golang.org/x/sys/unix"

// setNoSigPipe suppresses SIGPIPE delivery for writes to a peer-closed
// socket on platforms that support SO_NOSIGPIPE. Linux/BSD variants rely
// on the process-wide SIGPIPE ignore installed in doc.go instead.
func setNoSigPipe(fd int) {
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
}
