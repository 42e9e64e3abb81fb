package remote

import (
	"context"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ltfs-tier/catalog"
	"ltfs-tier/transfer"
	"ltfs-tier/utils"
)

// Copier moves a file or directory tree between this machine and an endpoint.
type Copier interface {
	// Fetch copies from into localPath.
	Fetch(ctx context.Context, from Endpoint, localPath string) error
	// Push copies localPath to to.Path.
	Push(ctx context.Context, localPath string, to Endpoint) error
}

// LocalCopier serves endpoints on this machine with a verified copy.
type LocalCopier struct {
	verifier *transfer.Verifier
}

func NewLocalCopier(verifier *transfer.Verifier) *LocalCopier {
	return &LocalCopier{verifier: verifier}
}

func (c *LocalCopier) Fetch(ctx context.Context, from Endpoint, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(from.Path); err != nil {
		return classify(errors.Wrapf(err, "unable to stat %s", from.Path), from.Host, from.Path)
	}
	return classify(c.verifier.CopyAndVerify(from.Path, localPath), from.Host, from.Path)
}

func (c *LocalCopier) Push(ctx context.Context, localPath string, to Endpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(localPath); err != nil {
		return classify(errors.Wrapf(err, "unable to stat %s", localPath), "localhost", localPath)
	}
	return classify(c.verifier.CopyAndVerify(localPath, to.Path), to.Host, to.Path)
}

// Transport sends endpoints on this machine to the local copier and
// everything else to the remote one.
type Transport struct {
	local  Copier
	remote Copier
	names  map[string]bool
}

// NewTransport treats localNames, the loopback names and this machine's
// hostname as local.
func NewTransport(local, remote Copier, localNames ...string) *Transport {
	t := &Transport{local: local, remote: remote, names: map[string]bool{"localhost": true}}
	if hostname, err := os.Hostname(); err == nil {
		t.names[strings.ToLower(hostname)] = true
	}
	for _, name := range localNames {
		if name != "" {
			t.names[strings.ToLower(name)] = true
		}
	}
	return t
}

// IsLocal reports whether host names this machine.
func (t *Transport) IsLocal(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if t.names[host] {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	return false
}

func (t *Transport) Fetch(ctx context.Context, from Endpoint, localPath string) error {
	return t.copier(from.Host).Fetch(ctx, from, localPath)
}

func (t *Transport) Push(ctx context.Context, localPath string, to Endpoint) error {
	return t.copier(to.Host).Push(ctx, localPath, to)
}

func (t *Transport) copier(host string) Copier {
	if t.IsLocal(host) {
		log.WithField("host", host).Debug("host is local, copying in place")
		return t.local
	}
	return t.remote
}

// HostDirectory resolves a group's alias for a machine. catalog.Store is one.
type HostDirectory interface {
	LookupHost(ctx context.Context, group, alias string) (string, error)
}

// Resolve returns the network address of a group's host alias. An unknown
// alias is a permanent transfer failure.
func Resolve(ctx context.Context, hosts HostDirectory, group, alias string) (string, error) {
	addr, err := hosts.LookupHost(ctx, group, alias)
	if errors.Is(err, catalog.ErrNotFound) {
		return "", &utils.TransferError{
			Reason: utils.TransferGeneric,
			Host:   alias,
			Err:    errors.Errorf("no host %q registered for group %s", alias, group),
		}
	}
	if err != nil {
		return "", errors.Wrapf(err, "unable to look up host %s", alias)
	}
	return addr, nil
}
