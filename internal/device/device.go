// Package device provides read-only, block-granular access to a raw
// filesystem image or block device. Every read goes to the file; no blocks
// are cached.
package device

import (
	"errors"
	"fmt"
	"os"
)

// ErrOutOfRange is returned when a requested block lies outside the device.
var ErrOutOfRange = errors.New("device: block out of range")

// Device is a read-only, fixed-block-size view over a file or block device.
// It must not mutate the underlying storage; repeated reads of the same
// block return identical bytes.
type Device struct {
	f         *os.File
	size      int64
	blockSize uint32
}

// Open opens path read-only and wraps it as a Device with the given block
// size. Block size is supplied by the caller (internal/geometry determines
// it from the superblock) since the device itself carries no block-size
// metadata until the superblock has been parsed.
func Open(path string, blockSize uint32) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("device: opening %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("device: stat %q: %w", path, err)
	}

	return &Device{f: f, size: info.Size(), blockSize: blockSize}, nil
}

// WithBlockSize returns a shallow copy of the Device using a different block
// size. Used once the real block size is known from the superblock, since
// geometry.Parse itself needs a Device to read the superblock at a fixed
// 1024-byte offset before the true block size is known.
func (d *Device) WithBlockSize(blockSize uint32) *Device {
	cp := *d
	cp.blockSize = blockSize
	return &cp
}

// BlockSize returns the device's configured block size.
func (d *Device) BlockSize() uint32 {
	return d.blockSize
}

// Size returns the total size of the underlying device, in bytes.
func (d *Device) Size() int64 {
	return d.size
}

// BlockCount returns the number of whole blocks in the device.
func (d *Device) BlockCount() uint32 {
	return uint32(d.size / int64(d.blockSize))
}

// ReadBlock reads block number n and returns its contents. Fails with
// ErrOutOfRange if n falls outside the device extent.
func (d *Device) ReadBlock(n uint32) ([]byte, error) {
	return d.ReadBlockAt(n, 0)
}

// ReadBlockAt reads from partitionStart-relative block n, used when the
// filesystem does not start at byte 0 of the device (a partitioned disk
// image). ext3grep-go's primary entrypoints always pass 0.
func (d *Device) ReadBlockAt(n uint32, partitionStart int64) ([]byte, error) {
	off := partitionStart + int64(n)*int64(d.blockSize)
	if off < 0 || off+int64(d.blockSize) > d.size {
		return nil, fmt.Errorf("%w: block %d (offset %d, device size %d)", ErrOutOfRange, n, off, d.size)
	}

	buf := make([]byte, d.blockSize)
	if _, err := d.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("device: reading block %d: %w", n, err)
	}

	return buf, nil
}

// ReadAt reads arbitrary byte ranges, used by internal/geometry to read the
// fixed 1024-byte superblock offset before a block size is established.
func (d *Device) ReadAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > d.size {
		return fmt.Errorf("%w: range [%d,%d) (device size %d)", ErrOutOfRange, off, off+int64(len(p)), d.size)
	}

	if _, err := d.f.ReadAt(p, off); err != nil {
		return fmt.Errorf("device: reading at %d: %w", off, err)
	}

	return nil
}

// Close releases the underlying file handle. Safe to call once.
func (d *Device) Close() error {
	if d.f == nil {
		return nil
	}

	err := d.f.Close()
	d.f = nil

	return err
}
