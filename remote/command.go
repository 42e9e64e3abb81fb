// Package remote moves files between the disk cache and the hosts users
// archive from: in process for the local host, over SSH/SFTP otherwise.
package remote

import (
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
)

// Command is a remote command line. Arguments are never concatenated by hand;
// String quotes each one for the remote shell.
type Command struct {
	Name string
	Args []string
}

func NewCommand(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

func (c Command) String() string {
	return shellquote.Join(append([]string{c.Name}, c.Args...)...)
}

// ParseCommand splits a configured command line the way a shell would. An
// empty line gives the zero Command.
func ParseCommand(line string) (Command, error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return Command{}, errors.Wrapf(err, "unable to parse command %q", line)
	}
	if len(words) == 0 {
		return Command{}, nil
	}
	return NewCommand(words[0], words[1:]...), nil
}

// Endpoint is a path on a named host, written user@host:path.
type Endpoint struct {
	User string
	Host string
	Path string
}

func (e Endpoint) String() string {
	var b strings.Builder
	if e.User != "" {
		b.WriteString(e.User)
		b.WriteString("@")
	}
	b.WriteString(e.Host)
	b.WriteString(":")
	b.WriteString(e.Path)
	return b.String()
}
