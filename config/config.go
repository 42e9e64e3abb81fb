// Package config loads the service settings from a file and LTFSTIER_
// environment variables.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"ltfs-tier/queue"
	"ltfs-tier/remote"
	"ltfs-tier/sweeper"
	"ltfs-tier/tapehardware"
)

const EnvPrefix = "LTFSTIER"

type Library struct {
	Device        string
	Simulate      bool
	SimulationDir string
	// capacity of every simulated tape
	SimulatedSize string
	// optional fixed tape pool per group
	Pools map[string][]string
}

type Drive struct {
	Device     string
	Slot       int
	MountPoint string
}

type Settle struct {
	Command             time.Duration
	Mount               time.Duration
	BusyRetry           time.Duration
	BusyAttempts        int
	HelperPoll          time.Duration
	HelperTimeout       time.Duration
	MaxHardwareAttempts int
}

type Cache struct {
	Root          string
	Retention     time.Duration
	SweepInterval time.Duration
	// cron expression; replaces SweepInterval when set
	SweepSchedule string
}

type Database struct {
	Path string
}

type Queue struct {
	Names       []string
	MaxAttempts int
	BackoffBase time.Duration
	Spacing     time.Duration
	Poll        time.Duration
}

type Remote struct {
	ConnectTimeout time.Duration
	KeyFile        string
	KnownHosts     string
	Port           int
	LocalHost      string
	// command line of an sftp server to start when a host has no sftp
	// subsystem, e.g. "/usr/lib/openssh/sftp-server -e"
	SFTPServer string
}

type Verify struct {
	Hash bool
}

type SMTP struct {
	Addr     string
	From     string
	User     string
	Password string
}

type Notify struct {
	Admin  string
	Bucket string
	Region string
	SMTP   SMTP
}

type Logging struct {
	Level string
	File  string
}

type Config struct {
	Library  Library
	Drive    Drive
	Settle   Settle
	Cache    Cache
	Database Database
	Queue    Queue
	Remote   Remote
	Verify   Verify
	Notify   Notify
	Logging  Logging
}

// SettlePolicy is the controller's view of the Settle section.
func (c *Config) SettlePolicy() tapehardware.SettlePolicy {
	return tapehardware.SettlePolicy{
		Command:       c.Settle.Command,
		Mount:         c.Settle.Mount,
		BusyRetry:     c.Settle.BusyRetry,
		BusyAttempts:  c.Settle.BusyAttempts,
		HelperPoll:    c.Settle.HelperPoll,
		HelperTimeout: c.Settle.HelperTimeout,
	}
}

// TapeDrive is the drive the library moves tapes in and out of.
func (c *Config) TapeDrive() tapehardware.TapeDriveDevice {
	return tapehardware.TapeDriveDevice{Number: c.Drive.Slot, Device: c.Drive.Device, MountPoint: c.Drive.MountPoint}
}

// SSH is the remote copier's view of the Remote section.
func (c *Config) SSH() remote.SSHConfig {
	server, _ := remote.ParseCommand(c.Remote.SFTPServer)
	return remote.SSHConfig{
		KeyFile:        c.Remote.KeyFile,
		KnownHosts:     c.Remote.KnownHosts,
		ConnectTimeout: c.Remote.ConnectTimeout,
		Port:           c.Remote.Port,
		Server:         server,
	}
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	settle := tapehardware.DefaultSettlePolicy()
	dispatch := queue.DefaultPolicy()

	v.SetDefault("Library.Device", "/dev/sch0")
	v.SetDefault("Library.Simulate", false)
	v.SetDefault("Library.SimulationDir", "./simulation")
	v.SetDefault("Library.SimulatedSize", "1.5T")
	v.SetDefault("Drive.Device", "/dev/nst0")
	v.SetDefault("Drive.Slot", 0)
	v.SetDefault("Drive.MountPoint", "/mnt/ltfs")
	v.SetDefault("Settle.Command", settle.Command)
	v.SetDefault("Settle.Mount", settle.Mount)
	v.SetDefault("Settle.BusyRetry", settle.BusyRetry)
	v.SetDefault("Settle.BusyAttempts", settle.BusyAttempts)
	v.SetDefault("Settle.HelperPoll", settle.HelperPoll)
	v.SetDefault("Settle.HelperTimeout", settle.HelperTimeout)
	v.SetDefault("Settle.MaxHardwareAttempts", dispatch.MaxHardwareAttempts)
	v.SetDefault("Cache.Root", "/var/cache/ltfs-tier")
	v.SetDefault("Cache.Retention", sweeper.DefaultRetention)
	v.SetDefault("Cache.SweepInterval", sweeper.DefaultInterval)
	v.SetDefault("Cache.SweepSchedule", "")
	v.SetDefault("Database.Path", "./ltfs-tier.db")
	v.SetDefault("Queue.Names", dispatch.Queues)
	v.SetDefault("Queue.MaxAttempts", dispatch.MaxAttempts)
	v.SetDefault("Queue.BackoffBase", time.Minute)
	v.SetDefault("Queue.Spacing", dispatch.Spacing)
	v.SetDefault("Queue.Poll", dispatch.Poll)
	v.SetDefault("Remote.ConnectTimeout", 10*time.Second)
	v.SetDefault("Remote.KeyFile", "")
	v.SetDefault("Remote.KnownHosts", "")
	v.SetDefault("Remote.Port", 22)
	v.SetDefault("Remote.LocalHost", "")
	v.SetDefault("Remote.SFTPServer", "")
	v.SetDefault("Verify.Hash", false)
	v.SetDefault("Notify.Admin", "")
	v.SetDefault("Notify.Bucket", "")
	v.SetDefault("Notify.Region", "us-east-1")
	v.SetDefault("Notify.SMTP.Addr", "")
	v.SetDefault("Notify.SMTP.From", "")
	v.SetDefault("Notify.SMTP.User", "")
	v.SetDefault("Notify.SMTP.Password", "")
	v.SetDefault("Logging.Level", "info")
	v.SetDefault("Logging.File", "")
}

// Load reads path, when given, over the defaults; LTFSTIER_ variables such as
// LTFSTIER_DRIVE_MOUNTPOINT override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "unable to read config file %s", path)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "unable to parse configuration")
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch {
	case c.Drive.MountPoint == "":
		return errors.New("Drive.MountPoint is required")
	case c.Cache.Root == "":
		return errors.New("Cache.Root is required")
	case c.Database.Path == "":
		return errors.New("Database.Path is required")
	case len(c.Queue.Names) == 0:
		return errors.New("Queue.Names must name at least one queue")
	case c.Queue.MaxAttempts < 1:
		return errors.New("Queue.MaxAttempts must be at least 1")
	case c.Settle.MaxHardwareAttempts < 1:
		return errors.New("Settle.MaxHardwareAttempts must be at least 1")
	case c.Notify.SMTP.Addr != "" && c.Notify.Admin == "":
		return errors.New("Notify.Admin is required when Notify.SMTP.Addr is set")
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, "Logging.Level")
	}
	if _, err := remote.ParseCommand(c.Remote.SFTPServer); err != nil {
		return errors.Wrap(err, "Remote.SFTPServer")
	}
	// the mount table lists mount points without a trailing slash
	c.Drive.MountPoint = filepath.Clean(c.Drive.MountPoint)
	return nil
}
