package machine

import (
	"io"

	"github.com/kazzmir/yalnix/abi"
)

// Disk is the backing store of the simulated disk. An *os.File satisfies it.
type Disk interface {
	io.ReaderAt
	io.WriterAt
}

// MemDisk is a Disk kept entirely in host memory.
type MemDisk []byte

// NewMemDisk returns a zeroed disk with abi.NumSectors sectors.
func NewMemDisk() MemDisk {
	return make(MemDisk, abi.NumSectors*abi.SectorSize)
}

// ReadAt implements io.ReaderAt.
func (d MemDisk) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(d)) {
		return 0, io.EOF
	}
	n := copy(p, d[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (d MemDisk) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(d)) {
		return 0, io.ErrShortWrite
	}
	return copy(d[off:], p), nil
}

// DiskOp selects the direction of a disk transfer.
type DiskOp uint8

// The supported disk operations.
const (
	DiskRead DiskOp = iota
	DiskWrite
)

type diskDevice struct {
	backing Disk
	active  bool
	op      DiskOp
	sector  int
	buf     []byte
	due     uint64
}

// complete performs the transfer of the active request.
func (d *diskDevice) complete() error {
	d.active = false
	off := int64(d.sector) * abi.SectorSize

	if d.op == DiskWrite {
		_, err := d.backing.WriteAt(d.buf, off)
		return err
	}

	n, err := d.backing.ReadAt(d.buf, off)
	for i := n; i < len(d.buf); i++ {
		d.buf[i] = 0
	}
	if err == io.EOF {
		err = nil
	}
	return err
}

type terminal struct {
	out io.Writer

	// transmission in flight
	busy    bool
	pending []byte
	due     uint64

	// line handed to the kernel by the current receive trap
	staged []byte
}
