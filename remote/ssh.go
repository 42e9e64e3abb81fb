package remote

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"ltfs-tier/utils"
)

const DefaultConnectTimeout = 10 * time.Second

// SSHConfig holds how to reach users' hosts.
type SSHConfig struct {
	KeyFile        string
	KnownHosts     string
	ConnectTimeout time.Duration
	Port           int
	// Server runs an sftp server on hosts that offer no sftp subsystem,
	// e.g. "/usr/lib/openssh/sftp-server -e". Empty uses the subsystem.
	Server Command
}

// SSHCopier copies over SFTP. Every copy opens its own connection.
type SSHCopier struct {
	config SSHConfig
}

func NewSSHCopier(config SSHConfig) *SSHCopier {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.Port == 0 {
		config.Port = 22
	}
	return &SSHCopier{config: config}
}

// Fetch copies the file or tree at from into localPath.
func (c *SSHCopier) Fetch(ctx context.Context, from Endpoint, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return errors.Wrapf(err, "unable to create directory for %s", localPath)
	}
	err := c.withClient(ctx, from, func(client *sftp.Client) error {
		return fetch(client, from.Path, localPath)
	})
	if err != nil {
		os.RemoveAll(localPath)
	}
	return classify(err, from.Host, from.Path)
}

// Push copies the file or tree at localPath to to.Path.
func (c *SSHCopier) Push(ctx context.Context, localPath string, to Endpoint) error {
	err := c.withClient(ctx, to, func(client *sftp.Client) error {
		return push(client, localPath, to.Path)
	})
	return classify(err, to.Host, to.Path)
}

// withClient connects, opens an SFTP client over the connection and lets fn
// use it.
func (c *SSHCopier) withClient(ctx context.Context, ep Endpoint, fn func(*sftp.Client) error) error {
	conn, err := c.connect(ctx, ep)
	if err != nil {
		return err
	}
	defer conn.Close()

	// a stalled remote only notices the context when the connection drops
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger := log.WithField("endpoint", ep.String())
	client, err := c.openSFTP(conn)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer client.Close()

	logger.Debug("running remote copy")
	if err := fn(client); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	logger.Info("remote copy finished")
	return nil
}

func (c *SSHCopier) openSFTP(conn *ssh.Client) (*sftp.Client, error) {
	if c.config.Server.Name == "" {
		client, err := sftp.NewClient(conn)
		return client, errors.Wrap(err, "failed to start SFTP subsystem")
	}
	session, err := conn.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create SSH session")
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get stdin pipe")
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get stdout pipe")
	}
	if err := session.Start(c.config.Server.String()); err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", c.config.Server.Name)
	}
	client, err := sftp.NewClientPipe(stdout, stdin)
	return client, errors.Wrapf(err, "failed to talk to %s", c.config.Server.Name)
}

func (c *SSHCopier) connect(ctx context.Context, ep Endpoint) (*ssh.Client, error) {
	// unusable credentials are an authentication failure, never a missing path
	auth, err := c.publicKeyAuth()
	if err != nil {
		return nil, &utils.TransferError{Reason: utils.TransferAuth, Host: ep.Host, Path: ep.Path, Err: err}
	}
	hostKeys, err := knownhosts.New(c.config.KnownHosts)
	if err != nil {
		err = errors.Wrap(err, "failed to parse known_hosts file")
		return nil, &utils.TransferError{Reason: utils.TransferAuth, Host: ep.Host, Path: ep.Path, Err: err}
	}
	user := ep.User
	if user == "" {
		user = os.Getenv("USER")
	}
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeys,
		Timeout:         c.config.ConnectTimeout,
	}
	addr := ep.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(ep.Host, strconv.Itoa(c.config.Port))
	}
	log.Debugf("connecting to SSH server %s@%s", user, addr)
	return dialContext(ctx, addr, config)
}

func (c *SSHCopier) publicKeyAuth() (ssh.AuthMethod, error) {
	keyData, err := os.ReadFile(c.config.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read private key file")
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse private key")
	}
	return ssh.PublicKeys(signer), nil
}

// dialContext bounds both the TCP connect and the handshake by the config's
// timeout and by ctx.
func dialContext(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(config.Timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			conn.Close()
			done <- result{nil, err}
			return
		}
		// the deadline was for the handshake only
		conn.SetDeadline(time.Time{})
		done <- result{ssh.NewClient(c, chans, reqs), nil}
	}()
	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case r := <-done:
		return r.client, r.err
	}
}
