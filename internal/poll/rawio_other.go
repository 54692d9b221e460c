//go:build !unix

package poll

import "syscall"

func Read(rc syscall.RawConn, p []byte) (int, error)  { return 0, ErrUnsupported }
func Write(rc syscall.RawConn, p []byte) (int, error) { return 0, ErrUnsupported }
func SetNonblock(rc syscall.RawConn) (int, error)     { return -1, ErrUnsupported }
