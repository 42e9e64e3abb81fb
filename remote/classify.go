package remote

import (
	stderrors "errors"
	"io"
	"io/fs"
	"net"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"ltfs-tier/utils"
)

// classify turns a copy failure into a *utils.TransferError. Errors that are
// already classified pass through.
func classify(err error, host, path string) error {
	if err == nil {
		return nil
	}
	var transfer *utils.TransferError
	if stderrors.As(err, &transfer) {
		return err
	}
	var verification *utils.VerificationError
	if stderrors.As(err, &verification) {
		// verified copies are retried as they are
		return err
	}
	return &utils.TransferError{Reason: reasonFor(err), Host: host, Path: path, Err: err}
}

func reasonFor(err error) utils.TransferReason {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	var passphrase *ssh.PassphraseMissingError
	if stderrors.As(err, &keyErr) || stderrors.As(err, &revoked) || stderrors.As(err, &passphrase) {
		return utils.TransferAuth
	}
	if stderrors.Is(err, fs.ErrNotExist) || stderrors.Is(err, fs.ErrPermission) {
		return utils.TransferMissing
	}
	var status *sftp.StatusError
	if stderrors.As(err, &status) {
		switch status.FxCode() {
		case sftp.ErrSSHFxNoSuchFile, sftp.ErrSSHFxPermissionDenied:
			return utils.TransferMissing
		case sftp.ErrSSHFxConnectionLost, sftp.ErrSSHFxNoConnection:
			return utils.TransferNetwork
		}
		return utils.TransferGeneric
	}
	if stderrors.Is(err, sftp.ErrSSHFxConnectionLost) || stderrors.Is(err, io.ErrUnexpectedEOF) {
		return utils.TransferNetwork
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "host key"):
		return utils.TransferAuth
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return utils.TransferNetwork
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return utils.TransferNetwork
	}
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "handshake failed: EOF"),
		strings.Contains(msg, "i/o timeout"):
		return utils.TransferNetwork
	}
	if missingPath(msg) {
		return utils.TransferMissing
	}
	return utils.TransferGeneric
}

func missingPath(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "no such file or directory") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not a regular file") ||
		strings.Contains(msg, "not a directory")
}
