package policyd

import (
	"encoding/binary"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// fdpass implements the "serialized socket" hand-off spec.md §4.7 and
// Design Notes §9 ask for, using the Unix domain socket SCM_RIGHTS
// mechanism instead of pickling a socket object: exactly one worker ends
// up owning the accepted connection's file descriptor, and the parent
// closes its own copy once the send has succeeded.

const (
	ctrlTask   byte = 'T'
	ctrlPoison byte = 'P'
	ctrlState  byte = 'W'
	ctrlStats  byte = 'S'
)

// sendFD transfers f's file descriptor across ctrl using SCM_RIGHTS,
// tagged with a single leading control byte the receiver reads first. The
// caller must close its own copies of the descriptor after this returns.
func sendFD(ctrl *net.UnixConn, tag byte, f *os.File) error {
	rights := unix.UnixRights(int(f.Fd()))
	_, _, err := ctrl.WriteMsgUnix([]byte{tag}, rights, nil)
	return err
}

// sendBareTag writes a single tag byte with no payload (used for poison
// pills, which carry no further data).
func sendBareTag(ctrl *net.UnixConn, tag byte) error {
	_, err := ctrl.Write([]byte{tag})
	return err
}

// sendFramed writes a tag byte followed by a 4-byte big-endian length and
// that many payload bytes (used for state and stats-delta messages, which
// need a message boundary on a byte stream).
func sendFramed(ctrl *net.UnixConn, tag byte, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	_, err := ctrl.Write(buf)
	return err
}

// readFrame reads a 4-byte big-endian length prefix followed by that many
// bytes, the payload half of a message whose tag has already been read via
// recvMessage.
func readFrame(ctrl *net.UnixConn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(ctrl, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(ctrl, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// recvMessage reads one control message: a tag byte and any received rights
// (decoded into file descriptors); no payload bytes are read. Stream sockets don't preserve message
// boundaries the way SOCK_SEQPACKET would, so callers that expect a
// length-prefixed payload (state/stats) must read exactly that many bytes
// themselves after seeing the tag; recvMessage only peels off the tag and
// any FD rights from the first read.
func recvMessage(ctrl *net.UnixConn) (tag byte, fds []int, err error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, rerr := ctrl.ReadMsgUnix(buf, oob)
	if rerr != nil {
		return 0, nil, rerr
	}
	if n == 0 {
		return 0, nil, net.ErrClosed
	}
	tag = buf[0]

	if oobn > 0 {
		cmsgs, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr == nil {
			for _, c := range cmsgs {
				got, gerr := unix.ParseUnixRights(&c)
				if gerr == nil {
					fds = append(fds, got...)
				}
			}
		}
	}
	return tag, fds, nil
}

// fdToConn wraps a received file descriptor back into a net.Conn, the
// worker-side half of the hand-off.
func fdToConn(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "handed-off-conn")
	defer f.Close()
	return net.FileConn(f)
}

// socketpair creates a connected pair of Unix domain stream sockets, one
// to keep in the parent as the control connection, one to hand to the
// child worker as an inherited file descriptor.
func socketpair() (parent *net.UnixConn, childFile *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	parentFile := os.NewFile(uintptr(fds[0]), "policyd-ctrl-parent")
	childFile = os.NewFile(uintptr(fds[1]), "policyd-ctrl-child")

	parentConnGeneric, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		childFile.Close()
		return nil, nil, err
	}
	parentConn, ok := parentConnGeneric.(*net.UnixConn)
	if !ok {
		parentConnGeneric.Close()
		childFile.Close()
		return nil, nil, unix.EINVAL
	}
	return parentConn, childFile, nil
}
