// Package backing provides the backing-store file abstraction spec.md §6
// lists as an external collaborator: random read at offset, duplicate,
// close. Grounded on fd/fd.go's Copyfd (which duplicates a descriptor by
// reopening its Fops rather than cloning a numeric fd) and ufs/driver.go's
// os.File-backed simulated disk.
package backing

import "os"

// File is a random-access, duplicable, closable backing-store handle.
type File interface {
	ReadAt(buf []byte, off int64) (int, error)
	Dup() (File, error)
	Close() error
}

// OSFile adapts *os.File to File. Dup reopens the same path rather than
// duplicating the OS file descriptor, matching Copyfd's "reopen" discipline
// so each VmNode clone gets an independent seek-free handle.
type OSFile struct {
	f    *os.File
	path string
}

// OpenOSFile opens path for reading and wraps it as a File.
func OpenOSFile(path string) (*OSFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &OSFile{f: f, path: path}, nil
}

func (o *OSFile) ReadAt(buf []byte, off int64) (int, error) {
	return o.f.ReadAt(buf, off)
}

func (o *OSFile) Dup() (File, error) {
	return OpenOSFile(o.path)
}

func (o *OSFile) Close() error {
	return o.f.Close()
}
