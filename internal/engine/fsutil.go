package engine

import (
	"io"
	"os"

	"github.com/go-git/go-billy/v5"

	"depotfs/internal/common"
)

const dirMode = os.FileMode(0o755)

// removeAll deletes p and everything under it. billy only removes empty
// directories, so the walk happens here.
func removeAll(fs billy.Filesystem, p string) error {
	fi, err := fs.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.IsDir() {
		children, err := fs.ReadDir(p)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := removeAll(fs, p+common.Sep+c.Name()); err != nil {
				return err
			}
		}
	}
	return fs.Remove(p)
}

// copyTree duplicates the file or directory at src under dst.
func copyTree(fs billy.Filesystem, src, dst string) error {
	fi, err := fs.Stat(src)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return copyFile(fs, src, dst)
	}
	if err := fs.MkdirAll(dst, dirMode); err != nil {
		return err
	}
	children, err := fs.ReadDir(src)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := copyTree(fs, src+common.Sep+c.Name(), dst+common.Sep+c.Name()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(fs billy.Filesystem, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// sectionReader serves a byte range of an open file and closes it when
// the consumer is done.
type sectionReader struct {
	io.Reader
	f billy.File
}

func (s *sectionReader) Close() error {
	return s.f.Close()
}

func openSection(fs billy.Filesystem, p string, start, length int64) (io.ReadCloser, error) {
	f, err := fs.Open(p)
	if err != nil {
		return nil, err
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &sectionReader{Reader: io.LimitReader(f, length), f: f}, nil
}
