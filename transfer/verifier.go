// Package transfer copies files and directory trees between the disk cache
// and the tape mount and proves the copy arrived whole.
package transfer

import (
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ltfs-tier/utils"
)

// Verifier copies source to destination and compares them afterwards. The
// copy is staged next to the destination and only renamed into place once it
// verifies, so a failed attempt never touches what was there before.
type Verifier struct {
	// Hash adds a sha256 comparison for single files. Directory trees are
	// always compared by total size.
	Hash bool

	copyFile func(src, dst string, mode fs.FileMode) error
}

func NewVerifier(hash bool) *Verifier {
	return &Verifier{Hash: hash, copyFile: copyFile}
}

// stagingPrefix marks the hidden directories copies are staged in.
const stagingPrefix = ".partial-"

// CopyAndVerify copies a file or a directory tree to dst, replacing whatever
// dst held. On a mismatch the staged copy is removed and a
// *utils.VerificationError naming dst returned.
func (v *Verifier) CopyAndVerify(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrapf(err, "unable to stat source %s", src)
	}
	logger := log.WithFields(log.Fields{"source": src, "destination": dst})

	parent := filepath.Dir(dst)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return errors.Wrapf(err, "unable to create directory for %s", dst)
	}
	staging, err := os.MkdirTemp(parent, stagingPrefix+filepath.Base(dst)+"-")
	if err != nil {
		return errors.Wrapf(err, "unable to stage %s", dst)
	}
	defer os.RemoveAll(staging)
	staged := filepath.Join(staging, filepath.Base(dst))

	if info.IsDir() {
		err = v.copyTree(src, staged)
		if err == nil {
			err = v.verifyTree(src, staged, logger)
		}
	} else {
		err = v.copyFile(src, staged, info.Mode().Perm())
		if err == nil {
			err = v.verifyFile(src, staged, info.Size(), logger)
		}
	}
	if err != nil {
		var mismatch *utils.VerificationError
		if errors.As(err, &mismatch) {
			mismatch.Destination = dst
		}
		return err
	}
	return place(staged, dst)
}

// place renames a verified copy over dst.
func place(staged, dst string) error {
	if info, err := os.Lstat(dst); err == nil && info.IsDir() {
		// rename cannot replace a directory
		if err := os.RemoveAll(dst); err != nil {
			return errors.Wrapf(err, "unable to replace %s", dst)
		}
	}
	return errors.Wrapf(os.Rename(staged, dst), "unable to move verified copy to %s", dst)
}

func (v *Verifier) copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrapf(err, "unable to read %s", path)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return errors.Wrap(err, "relative path")
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return errors.Wrapf(err, "unable to stat %s", path)
		}
		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrapf(err, "unable to create directory %s", target)
			}
		case info.Mode().IsRegular():
			if err := v.copyFile(path, target, info.Mode().Perm()); err != nil {
				return err
			}
		default:
			log.WithField("path", path).Warn("skipping non regular file")
		}
		return nil
	})
}

func (v *Verifier) verifyFile(src, dst string, srcSize int64, logger *log.Entry) error {
	dstInfo, err := os.Stat(dst)
	if err != nil {
		return errors.Wrapf(err, "unable to stat destination %s", dst)
	}
	mismatch := &utils.VerificationError{Source: src, Destination: dst, SourceSize: srcSize, DestSize: dstInfo.Size()}
	if dstInfo.Size() != srcSize {
		logger.WithError(mismatch).Error("copy failed size verification")
		return mismatch
	}
	if v.Hash {
		if mismatch.SourceSum, err = fileDigest(src); err != nil {
			return err
		}
		if mismatch.DestSum, err = fileDigest(dst); err != nil {
			return err
		}
		if mismatch.SourceSum != mismatch.DestSum {
			logger.WithError(mismatch).Error("copy failed hash verification")
			return mismatch
		}
	}
	logger.WithField("size", humanize.IBytes(uint64(srcSize))).Info("copy verified")
	return nil
}

func (v *Verifier) verifyTree(src, dst string, logger *log.Entry) error {
	srcSize, err := TreeSize(src)
	if err != nil {
		return err
	}
	dstSize, err := TreeSize(dst)
	if err != nil {
		return err
	}
	if srcSize != dstSize {
		mismatch := &utils.VerificationError{Source: src, Destination: dst, SourceSize: srcSize, DestSize: dstSize}
		logger.WithError(mismatch).Error("tree copy failed size verification")
		return mismatch
	}
	logger.WithField("size", humanize.IBytes(uint64(srcSize))).Info("tree copy verified")
	return nil
}

// TreeSize sums the sizes of the regular files under root. For a file it is
// the file's size.
func TreeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrapf(err, "unable to read %s", path)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return errors.Wrapf(err, "unable to stat %s", path)
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", src)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return errors.Wrapf(err, "unable to create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "unable to copy %s to %s", src, dst)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return errors.Wrapf(err, "unable to sync %s", dst)
	}
	return errors.Wrapf(out.Close(), "unable to close %s", dst)
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "unable to open %s", path)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "unable to hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
