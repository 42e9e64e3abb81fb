package remote

import (
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
)

// fetch copies the remote file or tree at remotePath to localPath.
func fetch(client *sftp.Client, remotePath, localPath string) error {
	root := path.Clean(remotePath)
	info, err := client.Stat(root)
	if err != nil {
		return errors.Wrapf(err, "unable to stat %s", root)
	}
	if !info.IsDir() {
		return fetchFile(client, root, localPath, info.Mode().Perm())
	}
	prefix := root
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	walker := client.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return errors.Wrapf(err, "unable to read %s", walker.Path())
		}
		rel := "."
		if walker.Path() != root {
			rel = filepath.FromSlash(strings.TrimPrefix(walker.Path(), prefix))
		}
		if !filepath.IsLocal(rel) {
			return errors.Errorf("remote entry %q escapes %s", walker.Path(), root)
		}
		target := filepath.Join(localPath, rel)
		st := walker.Stat()
		switch {
		case st.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrapf(err, "unable to create directory %s", target)
			}
		case st.Mode().IsRegular():
			if err := fetchFile(client, walker.Path(), target, st.Mode().Perm()); err != nil {
				return err
			}
		default:
			log.WithField("path", walker.Path()).Warn("skipping non regular remote file")
		}
	}
	return nil
}

func fetchFile(client *sftp.Client, remotePath, localPath string, mode fs.FileMode) error {
	in, err := client.Open(remotePath)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", remotePath)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return errors.Wrapf(err, "unable to create directory for %s", localPath)
	}
	out, err := os.OpenFile(localPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return errors.Wrapf(err, "unable to create %s", localPath)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "unable to copy %s", remotePath)
	}
	return errors.Wrapf(out.Close(), "unable to close %s", localPath)
}

// push copies the local file or tree at localPath to remotePath. The remote
// parent directory must already exist.
func push(client *sftp.Client, localPath, remotePath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return errors.Wrapf(err, "unable to stat %s", localPath)
	}
	if !info.IsDir() {
		return pushFile(client, localPath, remotePath, info.Mode().Perm())
	}
	return filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrapf(err, "unable to read %s", p)
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return errors.Wrap(err, "relative path")
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))
		if d.IsDir() {
			return errors.Wrapf(client.MkdirAll(target), "unable to create %s", target)
		}
		info, err := d.Info()
		if err != nil {
			return errors.Wrapf(err, "unable to stat %s", p)
		}
		if !info.Mode().IsRegular() {
			log.WithField("path", p).Warn("skipping non regular file")
			return nil
		}
		return pushFile(client, p, target, info.Mode().Perm())
	})
}

func pushFile(client *sftp.Client, localPath, remotePath string, mode fs.FileMode) error {
	in, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", localPath)
	}
	defer in.Close()
	out, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return errors.Wrapf(err, "unable to create %s", remotePath)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "unable to copy to %s", remotePath)
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, "unable to close %s", remotePath)
	}
	return errors.Wrapf(client.Chmod(remotePath, mode), "unable to set mode of %s", remotePath)
}
