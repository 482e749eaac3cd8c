// Package ktfs implements the inode file system: a superblock, a block
// bitmap, fixed-size inode blocks, and a flat root directory, all addressed
// through the block cache.
//
// Grounded on original_source/code/sys/ktfs.c for the on-disk walk logic
// (direct/indirect/double-indirect block translation, swap-delete of
// directory entries, first-free-bit bitmap allocation) and on cache/cache.go
// and endpoint/endpoint.go for how this port's cache and seekable adapter
// are consumed. The header original_source never ships (ktfs.h) is not in
// the retrieved pack, so the exact byte layout of the superblock, inode, and
// directory entry are fixed here from SPEC_FULL.md §6's explicit external
// interface ("block size 512; inode size 32; directory-entry size 32...;
// 4 direct blocks, 1 indirect block, 2 double-indirect blocks per inode")
// rather than guessed from the .c file alone.
//
// Per SPEC_FULL.md §4.9/§9, the distilled ktfs_cntl only implements
// set-end's grow path; this port adds the shrink path, built from the same
// direct/indirect/double-indirect block-walk add_new_inode_datablk and
// ktfs_delete already need.
package ktfs

import (
	"encoding/binary"
	"log/slog"
	"sync"

	"github.com/Neil-Rayu/rvkernel-go/cache"
	"github.com/Neil-Rayu/rvkernel-go/defs"
	"github.com/Neil-Rayu/rvkernel-go/endpoint"
	"github.com/Neil-Rayu/rvkernel-go/internal/klog"
)

// On-disk layout constants, matching SPEC_FULL.md §6's external interface.
const (
	BlockSize          = 512
	InodeSize          = 32
	DirEntrySize       = 32
	FilenameLen        = 14
	InodesPerBlock     = BlockSize / InodeSize    // 16
	DirEntriesPerBlock = BlockSize / DirEntrySize // 16
	NumDirectBlocks    = 4
	BlocksPerIndirect  = BlockSize / 4 // 128, one uint32 block number per entry
	NumDindirectBlocks = 2
	BlocksPerDindirect = BlocksPerIndirect * BlocksPerIndirect // 16384

	// MaxFiles is the per-file-system cap on live directory entries.
	MaxFiles = 95

	// Magic identifies a ktfs-formatted image; Mount rejects anything else
	// with EBADFMT. The source has no analogous check (no header to carry
	// a magic constant); this is an addition using the error taxonomy's
	// otherwise-unused "bad on-disk format" code.
	Magic = 0x4b544653 // "KTFS"
)

type superblock struct {
	Magic            uint32
	RootDirInode     uint32
	BitmapBlockCount uint32
	InodeBlockCount  uint32
}

type inode struct {
	Size      uint32
	Block     [NumDirectBlocks]uint32
	Indirect  uint32
	Dindirect [NumDindirectBlocks]uint32
}

type dirEntry struct {
	Inode uint16
	Name  [FilenameLen]byte
}

func decodeSuperblock(b []byte) superblock {
	return superblock{
		Magic:            binary.LittleEndian.Uint32(b[0:4]),
		RootDirInode:     binary.LittleEndian.Uint32(b[4:8]),
		BitmapBlockCount: binary.LittleEndian.Uint32(b[8:12]),
		InodeBlockCount:  binary.LittleEndian.Uint32(b[12:16]),
	}
}

func encodeSuperblock(s superblock, b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], s.Magic)
	binary.LittleEndian.PutUint32(b[4:8], s.RootDirInode)
	binary.LittleEndian.PutUint32(b[8:12], s.BitmapBlockCount)
	binary.LittleEndian.PutUint32(b[12:16], s.InodeBlockCount)
}

func decodeInode(b []byte) inode {
	var ino inode
	ino.Size = binary.LittleEndian.Uint32(b[0:4])
	for i := 0; i < NumDirectBlocks; i++ {
		ino.Block[i] = binary.LittleEndian.Uint32(b[4+i*4 : 8+i*4])
	}
	off := 4 + NumDirectBlocks*4
	ino.Indirect = binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	for i := 0; i < NumDindirectBlocks; i++ {
		ino.Dindirect[i] = binary.LittleEndian.Uint32(b[off+i*4 : off+4+i*4])
	}
	return ino
}

func encodeInode(ino inode, b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], ino.Size)
	for i := 0; i < NumDirectBlocks; i++ {
		binary.LittleEndian.PutUint32(b[4+i*4:8+i*4], ino.Block[i])
	}
	off := 4 + NumDirectBlocks*4
	binary.LittleEndian.PutUint32(b[off:off+4], ino.Indirect)
	off += 4
	for i := 0; i < NumDindirectBlocks; i++ {
		binary.LittleEndian.PutUint32(b[off+i*4:off+4+i*4], ino.Dindirect[i])
	}
}

func decodeDirEntry(b []byte) dirEntry {
	var d dirEntry
	d.Inode = binary.LittleEndian.Uint16(b[0:2])
	copy(d.Name[:], b[2:2+FilenameLen])
	return d
}

func encodeDirEntry(d dirEntry, b []byte) {
	for i := range b {
		b[i] = 0
	}
	binary.LittleEndian.PutUint16(b[0:2], d.Inode)
	copy(b[2:2+FilenameLen], d.Name[:])
}

func nameToBytes(name string) [FilenameLen]byte {
	var b [FilenameLen]byte
	copy(b[:], name)
	return b
}

func bytesToName(b [FilenameLen]byte) string {
	n := 0
	for n < FilenameLen && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func blocksFor(size uint64) uint64 {
	return (size + BlockSize - 1) / BlockSize
}

func roundUp(n, k uint64) uint64 {
	return (n + k - 1) / k * k
}

// direntLoc names a directory entry's position within the root directory's
// direct data blocks.
type direntLoc struct {
	blkSlot int
	entIdx  int
}

// FS is a mounted file system: the superblock, the in-memory inode bitmap,
// the block cache, and the open-file table, all guarded by fsMu. Unlike the
// source's single process-wide filesetup global, FS is an ordinary value so
// a test can mount more than one image at once.
type FS struct {
	fsMu sync.Mutex

	cache *cache.Cache
	disk  *endpoint.Object
	log   *slog.Logger

	super       superblock
	rootInode   inode
	dataBlock0  uint32
	inodeBitmap []bool

	open map[string]*File
}

// Mount reads the superblock and root inode from disk, builds the in-memory
// inode-use bitmap by scanning the root directory, and returns a ready FS.
// Grounded on ktfs_mount.
func Mount(disk *endpoint.Object) (*FS, defs.Err_t) {
	c, err := cache.New(disk)
	if err != 0 {
		return nil, err
	}
	fs := &FS{cache: c, disk: disk.Addref(), open: make(map[string]*File), log: klog.Default()}

	buf, err := fs.cache.Get(0)
	if err != 0 {
		return nil, err
	}
	fs.super = decodeSuperblock(buf)
	fs.cache.Release(buf, false)

	if fs.super.Magic != Magic {
		return nil, defs.EBADFMT
	}

	blockIdx := uint64(fs.super.RootDirInode) / InodesPerBlock
	inodeOff := uint64(fs.super.RootDirInode) % InodesPerBlock
	globalBlockIdx := 1 + uint64(fs.super.BitmapBlockCount) + blockIdx

	buf, err = fs.cache.Get(globalBlockIdx * BlockSize)
	if err != 0 {
		return nil, err
	}
	fs.rootInode = decodeInode(buf[inodeOff*InodeSize : inodeOff*InodeSize+InodeSize])
	fs.cache.Release(buf, false)

	fs.dataBlock0 = 1 + fs.super.BitmapBlockCount + fs.super.InodeBlockCount
	fs.inodeBitmap = make([]bool, InodesPerBlock*fs.super.InodeBlockCount)
	fs.inodeBitmap[fs.super.RootDirInode] = true

	fileCount := uint64(fs.rootInode.Size) / DirEntrySize
scan:
	for i := 0; i < NumDirectBlocks; i++ {
		pos := uint64(fs.rootInode.Block[i]+fs.dataBlock0) * BlockSize
		buf, err = fs.cache.Get(pos)
		if err != 0 {
			return nil, err
		}
		for j := 0; j < DirEntriesPerBlock; j++ {
			idx := uint64(i*DirEntriesPerBlock + j)
			if idx >= fileCount {
				fs.cache.Release(buf, false)
				break scan
			}
			d := decodeDirEntry(buf[j*DirEntrySize : (j+1)*DirEntrySize])
			fs.inodeBitmap[d.Inode] = true
		}
		fs.cache.Release(buf, false)
	}

	fs.log.Debug("ktfs: mounted", "root_inode", fs.super.RootDirInode, "files", fileCount)
	return fs, 0
}

// Unmount flushes the cache and releases the backing disk reference.
func (fs *FS) Unmount() defs.Err_t {
	err := fs.Flush()
	fs.disk.Close()
	return err
}

func (fs *FS) viewBlock(pos uint64, fn func([]byte)) defs.Err_t {
	buf, err := fs.cache.Get(pos)
	if err != 0 {
		return err
	}
	fn(buf)
	return fs.cache.Release(buf, false)
}

func (fs *FS) mutateBlock(pos uint64, fn func([]byte)) defs.Err_t {
	buf, err := fs.cache.Get(pos)
	if err != 0 {
		return err
	}
	fn(buf)
	return fs.cache.Release(buf, true)
}

// blockEntryAt reads the uint32 entry at idx within block number blk
// (relative to dataBlock0), used for both indirect and double-indirect
// block-number arrays.
func (fs *FS) blockEntryAt(blk uint32, idx uint64) (uint32, defs.Err_t) {
	var v uint32
	pos := uint64(blk+fs.dataBlock0) * BlockSize
	err := fs.viewBlock(pos, func(buf []byte) {
		v = binary.LittleEndian.Uint32(buf[idx*4 : idx*4+4])
	})
	return v, err
}

// blockNum translates a logical block index within ino into a physical
// (global, dataBlock0-relative) block number, matching blocknum/
// inodeidxblocknum.
func (fs *FS) blockNum(ino *inode, idx uint64) (uint32, defs.Err_t) {
	switch {
	case idx < NumDirectBlocks:
		return ino.Block[idx] + fs.dataBlock0, 0
	case idx < NumDirectBlocks+BlocksPerIndirect:
		blk, err := fs.blockEntryAt(ino.Indirect, idx-NumDirectBlocks)
		if err != 0 {
			return 0, err
		}
		return blk + fs.dataBlock0, 0
	case idx < NumDirectBlocks+BlocksPerIndirect+2*BlocksPerDindirect:
		rel := idx - NumDirectBlocks - BlocksPerIndirect
		d := 0
		if rel >= BlocksPerDindirect {
			d = 1
			rel -= BlocksPerDindirect
		}
		indirectIdx := rel / BlocksPerIndirect
		indirectOff := rel % BlocksPerIndirect
		indirectBlk, err := fs.blockEntryAt(ino.Dindirect[d], indirectIdx)
		if err != 0 {
			return 0, err
		}
		blk, err := fs.blockEntryAt(indirectBlk, indirectOff)
		if err != 0 {
			return 0, err
		}
		return blk + fs.dataBlock0, 0
	default:
		return 0, defs.ENOSPC
	}
}

// allocateBlock finds the first free bit across the bitmap blocks, sets it,
// and returns the relative (dataBlock0-relative) block number it names.
// Matches allocate_open_block's bit-scan order (byte-major, bit 7 first).
func (fs *FS) allocateBlock() (uint32, defs.Err_t) {
	for b := uint32(0); b < fs.super.BitmapBlockCount; b++ {
		pos := uint64(1+b) * BlockSize
		buf, err := fs.cache.Get(pos)
		if err != 0 {
			return 0, err
		}
		for byteIdx := 0; byteIdx < BlockSize; byteIdx++ {
			if buf[byteIdx] == 0xFF {
				continue
			}
			for bit := 7; bit >= 0; bit-- {
				if buf[byteIdx]&(1<<uint(bit)) == 0 {
					buf[byteIdx] |= 1 << uint(bit)
					rel := b*BlockSize*8 + uint32(byteIdx)*8 + uint32(bit)
					fs.cache.Release(buf, true)
					return rel, 0
				}
			}
		}
		fs.cache.Release(buf, false)
	}
	return 0, defs.ENOSPC
}

// freeBlock clears relBlock's bit in the bitmap, matching free_block.
func (fs *FS) freeBlock(relBlock uint32) defs.Err_t {
	bitmapBlockIdx := 1 + relBlock/(BlockSize*8)
	bitOffset := relBlock % (BlockSize * 8)
	pos := uint64(bitmapBlockIdx) * BlockSize
	return fs.mutateBlock(pos, func(buf []byte) {
		buf[bitOffset/8] &^= 1 << uint(bitOffset%8)
	})
}

func (fs *FS) firstFreeInode() (uint32, bool) {
	for i, used := range fs.inodeBitmap {
		if !used {
			return uint32(i), true
		}
	}
	return 0, false
}

func (fs *FS) writeInode(idx uint32, ino *inode) defs.Err_t {
	blockIdx := uint64(idx) / InodesPerBlock
	off := uint64(idx) % InodesPerBlock
	pos := (1 + uint64(fs.super.BitmapBlockCount) + blockIdx) * BlockSize
	return fs.mutateBlock(pos, func(buf []byte) {
		encodeInode(*ino, buf[off*InodeSize:off*InodeSize+InodeSize])
	})
}

func (fs *FS) writeRootInode() defs.Err_t {
	return fs.writeInode(fs.super.RootDirInode, &fs.rootInode)
}

// findDirEntry scans the root directory's direct blocks for name, matching
// the lookup loop shared by ktfs_open/ktfs_create/ktfs_delete.
func (fs *FS) findDirEntry(name string) (dirEntry, direntLoc, bool, defs.Err_t) {
	fileCount := uint64(fs.rootInode.Size) / DirEntrySize
	for i := 0; i < NumDirectBlocks; i++ {
		pos := uint64(fs.rootInode.Block[i]+fs.dataBlock0) * BlockSize
		var hit dirEntry
		hitIdx := -1
		err := fs.viewBlock(pos, func(buf []byte) {
			for j := 0; j < DirEntriesPerBlock; j++ {
				idx := uint64(i*DirEntriesPerBlock + j)
				if idx >= fileCount {
					return
				}
				d := decodeDirEntry(buf[j*DirEntrySize : (j+1)*DirEntrySize])
				if bytesToName(d.Name) == name {
					hit = d
					hitIdx = j
				}
			}
		})
		if err != 0 {
			return dirEntry{}, direntLoc{}, false, err
		}
		if hitIdx >= 0 {
			return hit, direntLoc{blkSlot: i, entIdx: hitIdx}, true, 0
		}
	}
	return dirEntry{}, direntLoc{}, false, 0
}

func (fs *FS) readInodeAt(inodeIdx uint32) (inode, defs.Err_t) {
	blockIdx := uint64(inodeIdx) / InodesPerBlock
	inodeOff := uint64(inodeIdx) % InodesPerBlock
	pos := (1 + uint64(fs.super.BitmapBlockCount) + blockIdx) * BlockSize
	var ino inode
	err := fs.viewBlock(pos, func(buf []byte) {
		ino = decodeInode(buf[inodeOff*InodeSize : inodeOff*InodeSize+InodeSize])
	})
	return ino, err
}

// Open scans the root directory for name, rejects an already-open file, and
// returns a fresh seekable endpoint over it. Matches ktfs_open.
func (fs *FS) Open(name string) (*endpoint.Object, defs.Err_t) {
	if name == "" {
		return nil, defs.ENOENT
	}
	fs.fsMu.Lock()
	defer fs.fsMu.Unlock()

	if _, busy := fs.open[name]; busy {
		return nil, defs.EBUSY
	}

	entry, _, found, err := fs.findDirEntry(name)
	if err != 0 {
		return nil, err
	}
	if !found {
		return nil, defs.ENOENT
	}

	ino, err := fs.readInodeAt(uint32(entry.Inode))
	if err != 0 {
		return nil, err
	}

	f := &File{fs: fs, inodeIdx: uint32(entry.Inode), ino: ino, name: name}
	fs.open[name] = f
	fs.log.Debug("ktfs: open", "name", name, "inode", entry.Inode)

	inner := endpoint.Init0(f)
	seek := endpoint.NewSeekio(inner)
	return endpoint.Init1(seek), 0
}

// Create adds a new, empty, zero-length file named name. Matches
// ktfs_create, including the swap-in-place directory growth (a new
// directory data block is allocated only when the current one is full).
func (fs *FS) Create(name string) defs.Err_t {
	if name == "" || len(name) > FilenameLen {
		return defs.EINVAL
	}
	fs.fsMu.Lock()
	defer fs.fsMu.Unlock()

	_, _, found, err := fs.findDirEntry(name)
	if err != 0 {
		return err
	}
	if found {
		return defs.EBUSY
	}

	numFiles := uint64(fs.rootInode.Size) / DirEntrySize
	freeInodeIdx, hasFree := fs.firstFreeInode()
	if numFiles >= MaxFiles || !hasFree {
		return defs.EMFILE
	}

	blkIdx := numFiles / DirEntriesPerBlock
	dirIdx := numFiles % DirEntriesPerBlock

	if numFiles%DirEntriesPerBlock == 0 {
		newBlock, aerr := fs.allocateBlock()
		if aerr != 0 {
			return aerr
		}
		fs.rootInode.Block[blkIdx] = newBlock
		if werr := fs.writeRootInode(); werr != 0 {
			return werr
		}
	}

	entry := dirEntry{Inode: uint16(freeInodeIdx), Name: nameToBytes(name)}
	dirBlockPos := uint64(fs.rootInode.Block[blkIdx]+fs.dataBlock0) * BlockSize
	if err := fs.mutateBlock(dirBlockPos, func(buf []byte) {
		encodeDirEntry(entry, buf[dirIdx*DirEntrySize:(dirIdx+1)*DirEntrySize])
	}); err != 0 {
		return err
	}

	fs.inodeBitmap[freeInodeIdx] = true
	fs.rootInode.Size += DirEntrySize
	if err := fs.writeRootInode(); err != 0 {
		return err
	}
	fs.log.Debug("ktfs: create", "name", name, "inode", freeInodeIdx)
	return 0
}

// Delete removes name: it frees every data, indirect, and double-indirect
// block the file's inode reaches, swap-deletes its directory entry, clears
// its inode, closes it if open, and flushes. Matches ktfs_delete.
func (fs *FS) Delete(name string) defs.Err_t {
	if name == "" || len(name) > FilenameLen {
		return defs.EINVAL
	}
	fs.fsMu.Lock()
	defer fs.fsMu.Unlock()

	entry, loc, found, err := fs.findDirEntry(name)
	if err != 0 {
		return err
	}
	if !found {
		return defs.ENOENT
	}

	if f, open := fs.open[name]; open {
		f.closed = true
		delete(fs.open, name)
	}

	ino, err := fs.readInodeAt(uint32(entry.Inode))
	if err != 0 {
		return err
	}

	if err := fs.freeInodeBlocks(&ino); err != 0 {
		return err
	}

	numFiles := uint64(fs.rootInode.Size) / DirEntrySize
	lastBlkSlot := int((numFiles - 1) / DirEntriesPerBlock)
	lastEntIdx := int((numFiles - 1) % DirEntriesPerBlock)

	lastPos := uint64(fs.rootInode.Block[lastBlkSlot]+fs.dataBlock0) * BlockSize
	var last dirEntry
	if err := fs.viewBlock(lastPos, func(buf []byte) {
		last = decodeDirEntry(buf[lastEntIdx*DirEntrySize : (lastEntIdx+1)*DirEntrySize])
	}); err != 0 {
		return err
	}

	targetPos := uint64(fs.rootInode.Block[loc.blkSlot]+fs.dataBlock0) * BlockSize
	if err := fs.mutateBlock(targetPos, func(buf []byte) {
		encodeDirEntry(last, buf[loc.entIdx*DirEntrySize:(loc.entIdx+1)*DirEntrySize])
	}); err != 0 {
		return err
	}

	if loc.blkSlot != lastBlkSlot || loc.entIdx != lastEntIdx {
		if err := fs.mutateBlock(lastPos, func(buf []byte) {
			var empty dirEntry
			encodeDirEntry(empty, buf[lastEntIdx*DirEntrySize:(lastEntIdx+1)*DirEntrySize])
		}); err != 0 {
			return err
		}
	}

	fs.inodeBitmap[entry.Inode] = false

	blockIdx := uint64(entry.Inode) / InodesPerBlock
	inodeOff := uint64(entry.Inode) % InodesPerBlock
	inodeBlockPos := (1 + uint64(fs.super.BitmapBlockCount) + blockIdx) * BlockSize
	if err := fs.mutateBlock(inodeBlockPos, func(buf []byte) {
		var empty [InodeSize]byte
		copy(buf[inodeOff*InodeSize:inodeOff*InodeSize+InodeSize], empty[:])
	}); err != 0 {
		return err
	}

	fs.rootInode.Size -= DirEntrySize
	if err := fs.writeRootInode(); err != 0 {
		return err
	}

	fs.log.Debug("ktfs: delete", "name", name, "inode", entry.Inode)
	return fs.Flush()
}

// freeInodeBlocks frees every data block, indirect block, and
// double-indirect block (plus its indirect children) that ino's current
// size reaches, starting from block index 0. Used by Delete; File.shrinkTo
// calls freeInodeBlocksFrom directly with the new block count.
func (fs *FS) freeInodeBlocks(ino *inode) defs.Err_t {
	return fs.freeInodeBlocksFrom(ino, 0)
}

// freeInodeBlocksFrom frees every block belonging to ino at or beyond
// logical block index from, including structural (indirect/double-indirect)
// blocks that become wholly unreferenced. Grounded on ktfs_delete's block
// walk, generalized (per SPEC_FULL.md §4.9/§9) to an arbitrary starting
// index so File.shrinkTo can reuse it for a partial truncation.
func (fs *FS) freeInodeBlocksFrom(ino *inode, from uint64) defs.Err_t {
	oldCount := blocksFor(uint64(ino.Size))

	for idx := from; idx < oldCount; idx++ {
		phys, err := fs.blockNum(ino, idx)
		if err != 0 {
			continue
		}
		if err := fs.freeBlock(phys - fs.dataBlock0); err != 0 {
			return err
		}
	}

	if oldCount > NumDirectBlocks && from <= NumDirectBlocks && ino.Indirect != 0 {
		if err := fs.freeBlock(ino.Indirect); err != 0 {
			return err
		}
		ino.Indirect = 0
	}

	for d := 0; d < NumDindirectBlocks; d++ {
		regionStart := uint64(NumDirectBlocks+BlocksPerIndirect) + uint64(d)*BlocksPerDindirect
		if ino.Dindirect[d] == 0 || regionStart >= oldCount {
			continue
		}
		for c := uint64(0); c < BlocksPerIndirect; c++ {
			childStart := regionStart + c*BlocksPerIndirect
			if childStart >= oldCount {
				break
			}
			if childStart < from {
				continue
			}
			indirectNum, err := fs.blockEntryAt(ino.Dindirect[d], c)
			if err != 0 {
				return err
			}
			if indirectNum != 0 {
				if err := fs.freeBlock(indirectNum); err != 0 {
					return err
				}
			}
		}
		if from <= regionStart {
			if err := fs.freeBlock(ino.Dindirect[d]); err != 0 {
				return err
			}
			ino.Dindirect[d] = 0
		}
	}
	return 0
}

// Flush drains the block cache's currently-pinned slot, matching
// ktfs_flush.
func (fs *FS) Flush() defs.Err_t {
	return fs.cache.Flush()
}

// File is one open file: a cached copy of its inode plus the file system it
// belongs to. It implements endpoint.ReaderAt/WriterAt/Controller/Closer and
// is always consumed wrapped in an endpoint.Seekio (see FS.Open).
type File struct {
	fs       *FS
	inodeIdx uint32
	ino      inode
	name     string
	closed   bool
}

// ReadAt reads up to len(buf) bytes starting at pos, clamped to the file's
// size, walking the file one physical block at a time. Matches ktfs_readat.
func (f *File) ReadAt(pos uint64, buf []byte) (int, defs.Err_t) {
	if f.closed {
		return 0, defs.EIO
	}
	if len(buf) == 0 {
		return 0, 0
	}
	size := uint64(f.ino.Size)
	if size == 0 {
		return 0, 0
	}
	if pos >= size {
		return 0, defs.EINVAL
	}
	length := uint64(len(buf))
	if pos+length > size {
		length = size - pos
	}
	end := pos + length

	read := 0
	for cur := pos; cur < end; {
		blockIdx := cur / BlockSize
		blockOff := cur % BlockSize
		phys, err := f.fs.blockNum(&f.ino, blockIdx)
		if err != 0 {
			return read, defs.ENOSPC
		}
		chunk := BlockSize - blockOff
		if end-cur < chunk {
			chunk = end - cur
		}
		data, err := f.fs.cache.Get(uint64(phys) * BlockSize)
		if err != 0 {
			return read, err
		}
		copy(buf[read:], data[blockOff:blockOff+chunk])
		f.fs.cache.Release(data, false)

		read += int(chunk)
		cur += chunk
	}
	return read, 0
}

// WriteAt writes up to len(buf) bytes starting at pos, clamped to the
// file's current size (writes never extend a file; see Control's set-end).
// Matches ktfs_writeat.
func (f *File) WriteAt(pos uint64, buf []byte) (int, defs.Err_t) {
	if f.closed {
		return 0, defs.EIO
	}
	if len(buf) == 0 {
		return 0, 0
	}
	size := uint64(f.ino.Size)
	if pos >= size {
		return 0, defs.EINVAL
	}
	length := uint64(len(buf))
	if pos+length > size {
		length = size - pos
	}
	end := pos + length

	written := 0
	for cur := pos; cur < end; {
		blockIdx := cur / BlockSize
		blockOff := cur % BlockSize
		phys, err := f.fs.blockNum(&f.ino, blockIdx)
		if err != 0 {
			return written, defs.ENOSPC
		}
		chunk := BlockSize - blockOff
		if end-cur < chunk {
			chunk = end - cur
		}
		data, err := f.fs.cache.Get(uint64(phys) * BlockSize)
		if err != 0 {
			return written, err
		}
		copy(data[blockOff:blockOff+chunk], buf[written:])
		f.fs.cache.Release(data, true)

		written += int(chunk)
		cur += chunk
	}
	return written, 0
}

func (f *File) Close() {
	f.fs.fsMu.Lock()
	if !f.closed {
		delete(f.fs.open, f.name)
	}
	f.closed = true
	f.fs.fsMu.Unlock()
}

// Control answers get-block-size, get-end, and set-end. Matches ktfs_cntl.
func (f *File) Control(cmd defs.Cntl_t, arg *uint64) defs.Err_t {
	switch cmd {
	case defs.CntlBlockSize:
		*arg = 1
		return 0
	case defs.CntlGetEnd:
		if arg == nil {
			return defs.EINVAL
		}
		*arg = uint64(f.ino.Size)
		return 0
	case defs.CntlSetEnd:
		if arg == nil {
			return defs.EINVAL
		}
		f.fs.fsMu.Lock()
		defer f.fs.fsMu.Unlock()
		newEnd := *arg
		switch {
		case newEnd == uint64(f.ino.Size):
			return 0
		case newEnd > uint64(f.ino.Size):
			return f.growTo(newEnd)
		default:
			return f.shrinkTo(newEnd)
		}
	default:
		return defs.ENOSYS
	}
}

// growTo extends the file to newEnd, allocating one data block (and, where
// the newly reachable range first crosses into it, an indirect or
// double-indirect block) at a time, persisting the inode after every
// allocation. Matches the grow branch of ktfs_cntl's IOCTL_SETEND.
func (f *File) growTo(newEnd uint64) defs.Err_t {
	ino := &f.ino
	for uint64(ino.Size) < newEnd {
		rounded := roundUp(uint64(ino.Size), BlockSize)
		if newEnd <= rounded {
			ino.Size = uint32(newEnd)
			return f.fs.writeInode(f.inodeIdx, ino)
		}
		ino.Size = uint32(rounded)

		if ino.Size == 0 {
			blk, err := f.fs.allocateBlock()
			if err != 0 {
				return err
			}
			ino.Block[0] = blk
		} else {
			oldIdx := (uint64(ino.Size) - 1) / BlockSize
			if err := f.fs.addBlockAt(ino, oldIdx); err != 0 {
				return err
			}
		}
		if err := f.fs.writeInode(f.inodeIdx, ino); err != 0 {
			return err
		}
		ino.Size = uint32(((uint64(ino.Size) / BlockSize) + 1) * BlockSize)
	}
	ino.Size = uint32(newEnd)
	return f.fs.writeInode(f.inodeIdx, ino)
}

// shrinkTo truncates the file to newEnd, freeing every data block and
// structural (indirect/double-indirect) block that becomes unreferenced.
// This path has no counterpart in the distilled ktfs_cntl (which rejects
// any shrink request with EINVAL); per SPEC_FULL.md §4.9/§9 it is built
// from the same block-walk logic Delete uses, bounded to the blocks beyond
// the new size.
func (f *File) shrinkTo(newEnd uint64) defs.Err_t {
	ino := &f.ino
	newCount := blocksFor(newEnd)
	if err := f.fs.freeInodeBlocksFrom(ino, newCount); err != 0 {
		return err
	}
	ino.Size = uint32(newEnd)
	return f.fs.writeInode(f.inodeIdx, ino)
}

// addBlockAt allocates and wires in the data block immediately following
// oldIdx (i.e. at index oldIdx+1), installing an indirect or
// double-indirect block first if the new index is the first to need one.
// Matches add_new_inode_datablk.
func (fs *FS) addBlockAt(ino *inode, oldIdx uint64) defs.Err_t {
	newIdx := oldIdx + 1
	switch {
	case newIdx < NumDirectBlocks:
		blk, err := fs.allocateBlock()
		if err != 0 {
			return err
		}
		ino.Block[newIdx] = blk
		return 0

	case newIdx < NumDirectBlocks+BlocksPerIndirect:
		if oldIdx < NumDirectBlocks {
			blk, err := fs.allocateBlock()
			if err != 0 {
				return err
			}
			ino.Indirect = blk
		}
		blk, err := fs.allocateBlock()
		if err != 0 {
			return err
		}
		pos := uint64(ino.Indirect+fs.dataBlock0) * BlockSize
		return fs.mutateBlock(pos, func(buf []byte) {
			off := (newIdx - NumDirectBlocks) * 4
			binary.LittleEndian.PutUint32(buf[off:off+4], blk)
		})

	default:
		rel := newIdx - NumDirectBlocks - BlocksPerIndirect
		d := 0
		if rel >= BlocksPerDindirect {
			d = 1
			rel -= BlocksPerDindirect
		}
		if rel == 0 {
			blk, err := fs.allocateBlock()
			if err != 0 {
				return err
			}
			ino.Dindirect[d] = blk
		}

		indirectIdx := rel / BlocksPerIndirect
		indirectOff := rel % BlocksPerIndirect

		if indirectOff == 0 {
			newIndirectBlk, err := fs.allocateBlock()
			if err != 0 {
				return err
			}
			dindPos := uint64(ino.Dindirect[d]+fs.dataBlock0) * BlockSize
			if err := fs.mutateBlock(dindPos, func(buf []byte) {
				off := indirectIdx * 4
				binary.LittleEndian.PutUint32(buf[off:off+4], newIndirectBlk)
			}); err != 0 {
				return err
			}
		}

		indirectNum, err := fs.blockEntryAt(ino.Dindirect[d], indirectIdx)
		if err != 0 {
			return err
		}

		blk, err := fs.allocateBlock()
		if err != 0 {
			return err
		}
		indirectPos := uint64(indirectNum+fs.dataBlock0) * BlockSize
		return fs.mutateBlock(indirectPos, func(buf []byte) {
			off := indirectOff * 4
			binary.LittleEndian.PutUint32(buf[off:off+4], blk)
		})
	}
}

// Format builds a fresh on-disk image of totalBlocks blocks: one bitmap
// block, enough inode blocks for MaxFiles+1 inodes, and an empty root
// directory occupying one data block. original_source ships no mkfs tool
// (ktfs.c assumes a pre-formatted image); this exists purely to build test
// fixtures, grounded only in the layout Mount expects.
func Format(totalBlocks uint32) []byte {
	const bitmapBlocks = 1
	inodeBlocks := uint32((MaxFiles + 1 + InodesPerBlock - 1) / InodesPerBlock)
	img := make([]byte, uint64(totalBlocks)*BlockSize)

	encodeSuperblock(superblock{
		Magic:            Magic,
		RootDirInode:     0,
		BitmapBlockCount: bitmapBlocks,
		InodeBlockCount:  inodeBlocks,
	}, img[0:BlockSize])

	// Mark data block 0 (the root directory's first block) used: bit 0 of
	// byte 0, since allocateBlock and freeBlock map data block n to bit
	// n%8 of byte n/8.
	img[BlockSize] = 0x01
	// Mark every bit past the image's last data block used, so
	// allocateBlock returns ENOSPC instead of a block the image lacks.
	dataBlocks := int(totalBlocks) - int(1+bitmapBlocks+inodeBlocks)
	if dataBlocks < 0 {
		dataBlocks = 0
	}
	for blk := dataBlocks; blk < bitmapBlocks*BlockSize*8; blk++ {
		img[BlockSize+blk/8] |= 1 << uint(blk%8)
	}

	root := inode{Size: 0}
	root.Block[0] = 0
	inodeBlockPos := uint64(1+bitmapBlocks) * BlockSize
	encodeInode(root, img[inodeBlockPos:inodeBlockPos+InodeSize])

	return img
}
