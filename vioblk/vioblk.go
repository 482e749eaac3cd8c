// Package vioblk implements the VirtIO block driver: feature negotiation,
// a single in-flight request over a 4-descriptor indirect chain, and
// ISR-driven completion.
//
// Grounded on original_source/code/sys/dev/vioblk.c for the exact request
// path (header type/sector per block-sized chunk, avail-ring publish,
// condition-wait until avail idx == used idx, status inspection) and
// biscuit's fs/blk.go Disk_i-style naming for the Go interface shape.
// There is no pack repo implementing a real VirtIO transport, so the MMIO
// register block and descriptor ring are modeled as plain Go bookkeeping
// fields rather than volatile structs over real memory-mapped registers;
// the backing "device" is a []byte arena standing in for the disk. Each
// transfer is performed synchronously on submission, which also advances
// the used index; the interrupt is a goroutine that then calls the
// driver's ISR to broadcast the completion condition. Because the used
// index has already caught up, the driver's condition-wait loop does not
// block.
package vioblk

import (
	"sync"

	"github.com/Neil-Rayu/rvkernel-go/defs"
	"github.com/Neil-Rayu/rvkernel-go/endpoint"
	"github.com/Neil-Rayu/rvkernel-go/thread"
)

// Required and optional VirtIO feature bits, named per SPEC_FULL.md §6.
const (
	FeatRingReset    = "ring-reset"
	FeatIndirectDesc = "indirect-desc"
	FeatBlockSize    = "block-size"
	FeatTopology     = "topology"
)

// DefaultBlockSize is used when the device does not advertise FeatBlockSize.
const DefaultBlockSize = 512

// Status mirrors the VirtIO device-status register's driver-facing bits.
type Status int

const (
	StatusReset Status = iota
	StatusAcknowledge
	StatusDriver
	StatusFeaturesOK
	StatusDriverOK
)

// request type and completion status constants, named as in the source.
const (
	reqIn  = 0 // VIRTIO_BLK_T_IN
	reqOut = 1 // VIRTIO_BLK_T_OUT

	stOK     = 0
	stIOErr  = 1
	stUnsupp = 2
)

// Device is one attached VirtIO block device: the simulated MMIO/ring
// state plus the backing store it fronts.
type Device struct {
	mu     sync.Mutex // driver mutex: submissions are serialized
	cond   *thread.Condition
	status Status

	enabledFeatures map[string]bool
	blksz           int
	capacity        uint64 // device size in blocks

	backing []byte // simulated disk contents

	// single in-flight request bookkeeping (one indirect chain).
	availIdx uint16
	usedIdx  uint16
	reqType  uint32
	sector   uint64
	data     []byte
	reqStat  uint8

	irqArmed bool
}

// Attach negotiates features against a simulated backing store, publishes
// the (simulated) descriptor chain, and transitions the device through
// driver -> features-ok -> driver-ok, matching vioblk_attach.
func Attach(backing []byte, deviceBlkSize int, offersBlockSizeFeat, offersTopologyFeat bool) *Device {
	d := &Device{
		status:          StatusAcknowledge,
		enabledFeatures: map[string]bool{FeatRingReset: true, FeatIndirectDesc: true},
		backing:         backing,
		data:            make([]byte, 0),
	}
	d.status = StatusDriver

	if offersBlockSizeFeat {
		d.enabledFeatures[FeatBlockSize] = true
	}
	if offersTopologyFeat {
		d.enabledFeatures[FeatTopology] = true
	}

	if d.enabledFeatures[FeatBlockSize] && deviceBlkSize > 0 {
		d.blksz = deviceBlkSize
	} else {
		d.blksz = DefaultBlockSize
	}
	if d.blksz <= 0 || d.blksz&(d.blksz-1) != 0 {
		panic("vioblk: block size must be a positive power of two")
	}
	d.capacity = uint64(len(backing) / d.blksz)

	d.status = StatusFeaturesOK
	d.data = make([]byte, d.blksz)
	d.status = StatusDriverOK
	return d
}

// Open enables the virtqueue, arms the ISR, and returns a referenced
// endpoint wrapping the device, matching vioblk_open. The returned
// *endpoint.Object is what the block cache (and, through it, the file
// system) is meant to consume as its backing positional endpoint.
func Open(sched *thread.Scheduler, d *Device) (*endpoint.Object, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cond == nil {
		d.cond = sched.NewCondition("vioblk-buffer")
	}
	d.irqArmed = true
	return endpoint.Init1(d), 0
}

func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.irqArmed = false
}

func (d *Device) end() uint64 {
	return d.capacity * uint64(d.blksz)
}

// Control answers get-block-size and get-end.
func (d *Device) Control(cmd defs.Cntl_t, arg *uint64) defs.Err_t {
	switch cmd {
	case defs.CntlBlockSize:
		*arg = uint64(d.blksz)
		return 0
	case defs.CntlGetEnd:
		*arg = d.end()
		return 0
	default:
		return defs.ENOSYS
	}
}

// ReadAt reads whole blocks into buf, one block at a time, starting at the
// block that contains byte offset pos and clamped to the device end,
// matching vioblk_readat. It returns a multiple of the block size; a
// trailing part of buf shorter than a block is left untouched.
func (d *Device) ReadAt(pos uint64, buf []byte) (int, defs.Err_t) {
	end := d.end()
	if pos == end {
		return 0, 0
	}
	if pos > end {
		return 0, defs.EINVAL
	}
	if len(buf) == 0 {
		return 0, 0
	}

	toRead := uint64(len(buf))
	if pos+toRead > end {
		toRead = end - pos
	}
	numBlocks := int(toRead) / d.blksz

	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < numBlocks; i++ {
		sector := pos/uint64(d.blksz) + uint64(i)
		if err := d.submitLocked(reqIn, sector, nil); err != 0 {
			return 0, err
		}
		copy(buf[i*d.blksz:(i+1)*d.blksz], d.data)
	}
	return numBlocks * d.blksz, 0
}

// WriteAt writes whole blocks from buf, one block at a time, starting at
// the block that contains byte offset pos and clamped to the device end,
// matching vioblk_writeat. It returns a multiple of the block size; a
// trailing part of buf shorter than a block is not written.
func (d *Device) WriteAt(pos uint64, buf []byte) (int, defs.Err_t) {
	end := d.end()
	if pos == end {
		return 0, 0
	}
	if pos > end {
		return 0, defs.EINVAL
	}
	if len(buf) == 0 {
		return 0, 0
	}

	toWrite := uint64(len(buf))
	if pos+toWrite > end {
		toWrite = end - pos
	}
	numBlocks := int(toWrite) / d.blksz

	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < numBlocks; i++ {
		sector := pos/uint64(d.blksz) + uint64(i)
		if err := d.submitLocked(reqOut, sector, buf[i*d.blksz:(i+1)*d.blksz]); err != 0 {
			return 0, err
		}
	}
	return numBlocks * d.blksz, 0
}

// submitLocked publishes one descriptor-chain request, "notifies" the
// device, and waits on the completion condition while the used index lags
// the available index. The simulated device advances the used index before
// returning, so the wait loop is not entered. Caller must hold d.mu (the
// driver lock serializing submissions, matching vioblk_lock).
func (d *Device) submitLocked(typ uint32, sector uint64, outData []byte) defs.Err_t {
	d.reqType = typ
	d.sector = sector
	if typ == reqOut {
		copy(d.data, outData)
	}

	d.availIdx++
	d.performTransferAndInterrupt()

	for d.availIdx != d.usedIdx {
		d.cond.Wait()
	}

	switch {
	case d.reqStat&stIOErr != 0:
		return defs.EIO
	case d.reqStat&stUnsupp != 0:
		return defs.ENOSYS
	default:
		return 0
	}
}

// performTransferAndInterrupt stands in for the real device: it performs
// the actual byte transfer against the backing store, then raises an
// interrupt asynchronously (as real hardware would), which the driver's
// ISR acknowledges and turns into a condition broadcast.
func (d *Device) performTransferAndInterrupt() {
	off := d.sector * uint64(d.blksz)
	switch d.reqType {
	case reqIn:
		copy(d.data, d.backing[off:off+uint64(d.blksz)])
	case reqOut:
		copy(d.backing[off:off+uint64(d.blksz)], d.data)
	}
	d.reqStat = stOK
	d.usedIdx++

	go d.isr()
}

// ISR acknowledges the interrupt and broadcasts the completion condition,
// matching vioblk_isr.
func (d *Device) isr() {
	d.cond.Broadcast()
}
