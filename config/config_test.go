package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ltfs-tier/remote"
	"ltfs-tier/tapehardware"
)

func TestDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/ltfs", c.Drive.MountPoint)
	assert.Equal(t, 7*24*time.Hour, c.Cache.Retention)
	assert.Equal(t, 24*time.Hour, c.Cache.SweepInterval)
	assert.Equal(t, []string{"tape"}, c.Queue.Names)
	assert.Equal(t, 2, c.Settle.MaxHardwareAttempts)
	assert.Equal(t, 10*time.Second, c.Remote.ConnectTimeout)
	assert.Equal(t, tapehardware.DefaultSettlePolicy(), c.SettlePolicy())
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ltfs-tier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
Library:
  Simulate: true
  Pools:
    physics: [T00002, T00001]
Drive:
  Slot: 1
  MountPoint: /ltfs
Settle:
  Command: 2s
  BusyAttempts: 4
Queue:
  Names: [tape, priority]
Notify:
  Admin: ops@example.org
  SMTP:
    Addr: mail.example.org:25
`), 0644))
	t.Setenv("LTFSTIER_CACHE_ROOT", "/scratch/cache")
	t.Setenv("LTFSTIER_VERIFY_HASH", "true")

	c, err := Load(path)
	require.NoError(t, err)
	assert.True(t, c.Library.Simulate)
	assert.Equal(t, []string{"T00002", "T00001"}, c.Library.Pools["physics"])
	assert.Equal(t, tapehardware.TapeDriveDevice{Number: 1, Device: "/dev/nst0", MountPoint: "/ltfs"}, c.TapeDrive())
	assert.Equal(t, 2*time.Second, c.SettlePolicy().Command)
	assert.Equal(t, 4, c.SettlePolicy().BusyAttempts)
	assert.Equal(t, []string{"tape", "priority"}, c.Queue.Names)
	assert.Equal(t, "ops@example.org", c.Notify.Admin)
	assert.Equal(t, "mail.example.org:25", c.Notify.SMTP.Addr)
	assert.Equal(t, "/scratch/cache", c.Cache.Root)
	assert.True(t, c.Verify.Hash)
}

func TestLoadRejects(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("LTFSTIER_LOGGING_LEVEL", "chatty")
	_, err = Load("")
	assert.ErrorContains(t, err, "Logging.Level")
}

func TestLoadRejectsAttemptLimits(t *testing.T) {
	t.Setenv("LTFSTIER_QUEUE_MAXATTEMPTS", "0")
	_, err := Load("")
	assert.ErrorContains(t, err, "Queue.MaxAttempts")
}

func TestLoadRequiresAdminForMail(t *testing.T) {
	t.Setenv("LTFSTIER_NOTIFY_SMTP_ADDR", "mail.example.org:25")
	_, err := Load("")
	assert.ErrorContains(t, err, "Notify.Admin")

	t.Setenv("LTFSTIER_NOTIFY_ADMIN", "ops@example.org")
	_, err = Load("")
	assert.NoError(t, err)
}

func TestLoadCleansMountPoint(t *testing.T) {
	t.Setenv("LTFSTIER_DRIVE_MOUNTPOINT", "/mnt/ltfs/")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/ltfs", c.Drive.MountPoint)
	assert.Equal(t, "/mnt/ltfs", c.TapeDrive().MountPoint)
}

func TestLoadSFTPServer(t *testing.T) {
	t.Setenv("LTFSTIER_REMOTE_SFTPSERVER", "/usr/lib/openssh/sftp-server -e")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, remote.NewCommand("/usr/lib/openssh/sftp-server", "-e"), c.SSH().Server)
	assert.Equal(t, 22, c.SSH().Port)

	t.Setenv("LTFSTIER_REMOTE_SFTPSERVER", `sftp-server "-e`)
	_, err = Load("")
	assert.ErrorContains(t, err, "Remote.SFTPServer")
}
