// Package depmod parses modules.dep.bin, the binary radix-trie index
// depmod(8) emits mapping module names to on-disk paths and dependency
// lists. The index is memory-mapped read-only and parsed directly out of
// the mapping; lookups never copy the backing file into a second buffer.
package depmod

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/PaulZ-98/kdiscover/internal/binbuf"
	"github.com/PaulZ-98/kdiscover/internal/kerr"
	"golang.org/x/sys/unix"
)

const (
	magic         uint32 = 0xB007F457
	version       uint32 = 0x00020001
	headerSize           = 8
	tagPrefix     uint32 = 0x8
	tagChilds     uint32 = 0x2
	tagValues     uint32 = 0x4
	offsetMask    uint32 = 0x0FFFFFFF
)

// Index is a memory-mapped modules.dep.bin, read-only for the lifetime of
// the pipeline invocation that opened it.
type Index struct {
	mapping []byte
	path    string
	file    *os.File // non-nil when backed by a real mmap, for Close
}

// Path returns the path modules.dep.bin was opened from.
func (idx *Index) Path() string { return idx.path }

// OpenFile memory-maps the depmod index at path read-only and validates
// its header.
func OpenFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kerr.OSError("open", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, kerr.OSError("stat", path, err)
	}
	size := st.Size()
	if size < headerSize {
		f.Close()
		return nil, kerr.Newf(kerr.Other, "%s: file too short to be a depmod index (%d bytes)", path, size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, kerr.OSError("mmap", path, err)
	}
	idx := &Index{mapping: data, path: path, file: f}
	if err := validateHeader(idx.mapping, path); err != nil {
		idx.Close()
		return nil, err
	}
	return idx, nil
}

// OpenBytes wraps an already-read (or test-constructed) modules.dep.bin
// image. It is used by tests and by callers that cannot mmap (for
// instance an in-memory afero filesystem).
func OpenBytes(data []byte, path string) (*Index, error) {
	if err := validateHeader(data, path); err != nil {
		return nil, err
	}
	return &Index{mapping: data, path: path}, nil
}

func validateHeader(data []byte, path string) error {
	if len(data) < headerSize {
		return kerr.Newf(kerr.Other, "%s: file too short to be a depmod index (%d bytes)", path, len(data))
	}
	gotMagic := binary.BigEndian.Uint32(data[0:4])
	if gotMagic != magic {
		return kerr.Newf(kerr.Other, "%s: bad magic %#x, want %#x", path, gotMagic, magic)
	}
	gotVersion := binary.BigEndian.Uint32(data[4:8])
	if gotVersion != version {
		return kerr.Newf(kerr.Other, "%s: unsupported version %#x, want %#x", path, gotVersion, version)
	}
	return nil
}

// Close unmaps the index. Calling Find afterward is undefined.
func (idx *Index) Close() error {
	if idx.file == nil {
		return nil
	}
	err := unix.Munmap(idx.mapping)
	idx.file.Close()
	idx.file = nil
	return err
}

func (idx *Index) cursorAt(offset int) (*binbuf.Buffer, error) {
	if offset < 0 || offset > len(idx.mapping) {
		return nil, kerr.Newf(kerr.Other, "%s: node offset %d exceeds file length %d", idx.path, offset, len(idx.mapping))
	}
	b := binbuf.New(idx.mapping[offset:], binary.BigEndian).WithErrorFormat(func(o int, what string) string {
		return fmt.Sprintf("%s: offset %d: out of bounds reading %s", idx.path, offset+o, what)
	})
	return b, nil
}

func (idx *Index) readDescriptorAt(offset int) (uint32, error) {
	if offset+4 > len(idx.mapping) {
		return 0, kerr.Newf(kerr.Other, "%s: offset %d: node descriptor out of bounds", idx.path, offset)
	}
	return binary.BigEndian.Uint32(idx.mapping[offset : offset+4]), nil
}

// Find looks up a module name in the index and returns its on-disk path
// (the portion of the stored "<path>:<deps>" value before the first
// colon). It returns kerr.NotFound if name is absent, and kerr.Other for
// a malformed index (corrupted offsets, missing colon, truncated node).
func (idx *Index) Find(name string) (string, error) {
	desc, err := idx.readDescriptorAt(headerSize)
	if err != nil {
		return "", err
	}
	remaining := name
	for {
		offset := int(desc & offsetMask)
		tags := desc >> 28

		cur, err := idx.cursorAt(offset)
		if err != nil {
			return "", err
		}

		if tags&tagPrefix != 0 {
			prefix, err := cur.CString()
			if err != nil {
				return "", kerr.Wrap(err, fmt.Sprintf("%s: reading PREFIX node", idx.path))
			}
			if !strings.HasPrefix(remaining, prefix) {
				return "", kerr.ErrNotFound
			}
			remaining = remaining[len(prefix):]
		}

		descended := false
		if tags&tagChilds != 0 {
			first, err := cur.U8()
			if err != nil {
				return "", kerr.Wrap(err, fmt.Sprintf("%s: reading CHILDS range", idx.path))
			}
			last, err := cur.U8()
			if err != nil {
				return "", kerr.Wrap(err, fmt.Sprintf("%s: reading CHILDS range", idx.path))
			}
			if last < first {
				return "", kerr.Newf(kerr.Other, "%s: CHILDS node has last(%d) < first(%d)", idx.path, last, first)
			}
			n := int(last) - int(first) + 1

			if len(remaining) == 0 {
				// Name is exactly this node's prefix: don't descend,
				// fall through to VALUES if present.
				if err := cur.Advance(n * 4); err != nil {
					return "", kerr.Wrap(err, fmt.Sprintf("%s: skipping CHILDS table", idx.path))
				}
			} else {
				c := remaining[0]
				if c < first || c > last {
					return "", kerr.ErrNotFound
				}
				if err := cur.Advance(int(c-first) * 4); err != nil {
					return "", kerr.Wrap(err, fmt.Sprintf("%s: indexing CHILDS table", idx.path))
				}
				childDesc, err := cur.U32()
				if err != nil {
					return "", kerr.Wrap(err, fmt.Sprintf("%s: reading child descriptor", idx.path))
				}
				remaining = remaining[1:]
				desc = childDesc
				descended = true
			}
		}
		if descended {
			continue
		}

		if tags&tagValues != 0 {
			if len(remaining) != 0 {
				// Values present but name not fully consumed and no
				// matching child: not found.
				return "", kerr.ErrNotFound
			}
			count, err := cur.U32()
			if err != nil {
				return "", kerr.Wrap(err, fmt.Sprintf("%s: reading VALUES count", idx.path))
			}
			if count == 0 {
				// Open question (a): treated as malformed input.
				return "", kerr.Newf(kerr.Other, "%s: VALUES node has zero entries", idx.path)
			}
			if _, err := cur.Bytes(4); err != nil { // priority, unused by Find
				return "", kerr.Wrap(err, fmt.Sprintf("%s: reading value priority", idx.path))
			}
			value, err := cur.CString()
			if err != nil {
				return "", kerr.Wrap(err, fmt.Sprintf("%s: reading value string", idx.path))
			}
			i := strings.IndexByte(value, ':')
			if i < 0 {
				return "", kerr.Newf(kerr.Other, "%s: malformed value %q: missing ':'", idx.path, value)
			}
			return value[:i], nil
		}

		// Neither CHILDS (that we could descend through) nor VALUES
		// resolved the remaining name.
		return "", kerr.ErrNotFound
	}
}
