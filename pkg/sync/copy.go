package sync

import (
	"io"
	"os"

	"github.com/spf13/afero"

	"github.com/sidkik/dirmirror/pkg/errors"
)

// copyFile copies the contents of `src` to `dst`, replacing `dst` if it
// already exists. The replica keeps the source's permissions and
// modification time so that later passes consider it up to date.
func copyFile(fs afero.Fs, src, dst string, srcInfo os.FileInfo) error {
	in, err := fs.Open(src)
	if err != nil {
		return errors.WithContext(err, "open source")
	}
	defer in.Close()

	mode := srcInfo.Mode().Perm()
	out, err := fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errors.WithContext(err, "open replica")
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.WithContext(err, "write")
	}

	if err := out.Close(); err != nil {
		return errors.WithContext(err, "close")
	}

	// OpenFile doesn't change the mode of a file that already exists.
	if err := fs.Chmod(dst, mode); err != nil {
		return errors.WithContext(err, "chmod")
	}

	modTime := srcInfo.ModTime()
	if err := fs.Chtimes(dst, modTime, modTime); err != nil {
		return errors.WithContext(err, "set modification time")
	}
	return nil
}
