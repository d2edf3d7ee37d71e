package binstore

import (
	"os"

	"github.com/edsrzf/mmap-go"
)

// MappedFile is a read-only memory mapping of a store file.
//
// The Bytes() slice aliases the mapped region and becomes invalid after
// Close. Callers that hand out views into the mapping must keep the
// MappedFile alive for as long as those views are reachable.
type MappedFile struct {
	m mmap.MMap
}

func mapReadOnly(f *os.File) (*MappedFile, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return &MappedFile{}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &MappedFile{m: m}, nil
}

// Bytes returns the mapped region. It may be shorter than the current file
// if the file grew after mapping; readers fall back to pread beyond it.
func (m *MappedFile) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.m
}

// Len returns the length of the mapped region.
func (m *MappedFile) Len() int {
	if m == nil {
		return 0
	}
	return len(m.m)
}

// Close unmaps the region.
func (m *MappedFile) Close() error {
	if m == nil || m.m == nil {
		return nil
	}
	err := m.m.Unmap()
	m.m = nil
	return err
}
