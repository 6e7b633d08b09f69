package engine

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/arbtrie-go/arbtrie/pkg/errors"
	"github.com/arbtrie-go/arbtrie/pkg/options"
)

// headerFileName is the page-aligned file holding the database's fixed
// header and top-root table (spec.md §6: "header: a page-aligned file
// holding a fixed header... and the top-root table").
const headerFileName = "header"

// headerMagic and headerFileType identify a well-formed arbtrie header
// file; any other value at open time means the path is not an arbtrie
// database directory.
const (
	headerMagic    uint32 = 0x41524254 // "ARBT"
	headerFileType uint32 = 1
	pageSize              = 4096
)

// Fixed-header layout within page 0: magic(4) | fileType(4) |
// cleanShutdown(1) | reserved(3).
const (
	offMagic         = 0
	offFileType      = 4
	offCleanShutdown = 8
	fixedHeaderSize  = pageSize
)

// headerFile owns the on-disk header: the fixed page described above,
// followed immediately by the top-root table, one 4-byte Address word per
// slot, sized so that topRootCount words fit in one page (spec.md §9 Open
// Question 4, re-derived for a uint32 Address as 4096/4 = 1024 slots).
type headerFile struct {
	file         *os.File
	topRootCount int
	tableBytes   int
}

// openHeader opens or creates dataDir/header, returning the persisted
// top-root words and whether the file recorded a clean shutdown the last
// time it was open. The clean-shutdown bit is immediately cleared and
// flushed so a crash between here and the next clean Close is correctly
// reported as an unclean shutdown on the following open.
func openHeader(dataDir string, topRootCount int) (*headerFile, []uint32, bool, error) {
	path := filepath.Join(dataDir, headerFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, false, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to open header file").
			WithFileName(headerFileName).WithPath(path)
	}

	tableBytes := roundUpPage(topRootCount * 4)
	h := &headerFile{file: file, topRootCount: topRootCount, tableBytes: tableBytes}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, false, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to stat header file").
			WithFileName(headerFileName).WithPath(path)
	}

	roots := make([]uint32, topRootCount)
	var wasClean bool

	if info.Size() == 0 {
		if err := h.writeFixed(false); err != nil {
			file.Close()
			return nil, nil, false, err
		}
		if err := h.FlushRoots(roots, options.SyncFsync); err != nil {
			file.Close()
			return nil, nil, false, err
		}
	} else {
		fixed := make([]byte, fixedHeaderSize)
		if _, err := file.ReadAt(fixed, 0); err != nil {
			file.Close()
			return nil, nil, false, errors.NewStorageError(err, errors.ErrorCodeHeaderReadFailure, "failed to read header page").
				WithFileName(headerFileName).WithPath(path)
		}
		if magic := binary.LittleEndian.Uint32(fixed[offMagic:]); magic != headerMagic {
			file.Close()
			return nil, nil, false, errors.NewStorageError(nil, errors.ErrorCodeSegmentCorrupted, "header magic mismatch: not an arbtrie database directory").
				WithPath(path)
		}
		if typ := binary.LittleEndian.Uint32(fixed[offFileType:]); typ != headerFileType {
			file.Close()
			return nil, nil, false, errors.NewStorageError(nil, errors.ErrorCodeSegmentCorrupted, "header file-type mismatch").
				WithPath(path)
		}
		wasClean = fixed[offCleanShutdown] != 0

		table := make([]byte, tableBytes)
		if _, err := file.ReadAt(table, fixedHeaderSize); err != nil {
			file.Close()
			return nil, nil, false, errors.NewStorageError(err, errors.ErrorCodePayloadReadFailure, "failed to read top-root table").
				WithFileName(headerFileName).WithPath(path)
		}
		for i := 0; i < topRootCount; i++ {
			roots[i] = binary.LittleEndian.Uint32(table[i*4:])
		}

		// Mark dirty immediately: only a subsequent clean Close clears this,
		// so a crash mid-session is correctly observed as unclean on reopen.
		if err := h.writeFixed(false); err != nil {
			file.Close()
			return nil, nil, false, err
		}
	}

	return h, roots, wasClean, nil
}

func (h *headerFile) writeFixed(clean bool) error {
	buf := make([]byte, fixedHeaderSize)
	binary.LittleEndian.PutUint32(buf[offMagic:], headerMagic)
	binary.LittleEndian.PutUint32(buf[offFileType:], headerFileType)
	if clean {
		buf[offCleanShutdown] = 1
	}
	if _, err := h.file.WriteAt(buf, 0); err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to write header page").
			WithFileName(headerFileName)
	}
	return nil
}

// FlushRoots writes the full top-root table back to disk and applies mode's
// durability policy (spec.md §4.8 step 3: "flushes the database header file
// according to sync policy").
func (h *headerFile) FlushRoots(roots []uint32, mode options.SyncMode) error {
	buf := make([]byte, h.tableBytes)
	for i, addr := range roots {
		binary.LittleEndian.PutUint32(buf[i*4:], addr)
	}
	if _, err := h.file.WriteAt(buf, fixedHeaderSize); err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to write top-root table").
			WithFileName(headerFileName)
	}
	switch mode {
	case options.SyncNone, options.SyncMprotect:
		return nil
	default:
		if err := h.file.Sync(); err != nil {
			return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to sync header file").
				WithFileName(headerFileName)
		}
		return nil
	}
}

// Close marks the header clean (if requested) and closes the file. A clean
// shutdown means no recovery is needed on the next open (spec.md §6).
func (h *headerFile) Close(clean bool) error {
	if clean {
		if err := h.writeFixed(true); err != nil {
			h.file.Close()
			return err
		}
		if err := h.file.Sync(); err != nil {
			h.file.Close()
			return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to sync header on close").
				WithFileName(headerFileName)
		}
	}
	return h.file.Close()
}

func roundUpPage(n int) int {
	if n <= 0 {
		return pageSize
	}
	return (n + pageSize - 1) &^ (pageSize - 1)
}
