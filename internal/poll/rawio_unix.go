//go:build unix

package poll

import (
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Read performs exactly one non-blocking read(2) on rc. It returns (0, nil)
// when no data is available and io.EOF when the peer closed its side.
func Read(rc syscall.RawConn, p []byte) (int, error) {
	var (
		n   int
		err error
	)
	cerr := rc.Read(func(fd uintptr) bool {
		for {
			n, err = unix.Read(int(fd), p)
			if err != unix.EINTR {
				return true
			}
		}
	})
	if cerr != nil {
		return 0, cerr
	}

	switch {
	case err == unix.EAGAIN:
		return 0, nil
	case err != nil:
		return 0, os.NewSyscallError("read", err)
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

// Write performs exactly one non-blocking write(2) on rc. It returns (0, nil)
// when the kernel send buffer is full.
func Write(rc syscall.RawConn, p []byte) (int, error) {
	var (
		n   int
		err error
	)
	cerr := rc.Write(func(fd uintptr) bool {
		for {
			n, err = unix.Write(int(fd), p)
			if err != unix.EINTR {
				return true
			}
		}
	})
	if cerr != nil {
		return 0, cerr
	}

	if err == unix.EAGAIN {
		return 0, nil
	}
	if err != nil {
		return 0, os.NewSyscallError("write", err)
	}
	return n, nil
}

// SetNonblock puts the descriptor behind rc into non-blocking mode and
// returns its number.
func SetNonblock(rc syscall.RawConn) (int, error) {
	var (
		sfd int
		err error
	)
	cerr := rc.Control(func(fd uintptr) {
		sfd = int(fd)
		err = unix.SetNonblock(sfd, true)
	})
	if cerr != nil {
		return -1, cerr
	}
	if err != nil {
		return -1, os.NewSyscallError("setnonblock", err)
	}
	return sfd, nil
}
