package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"ltfs-tier/capacity"
	"ltfs-tier/catalog"
	"ltfs-tier/config"
	"ltfs-tier/notify"
	"ltfs-tier/pipeline"
	"ltfs-tier/queue"
	"ltfs-tier/remote"
	"ltfs-tier/tapehardware"
	"ltfs-tier/transfer"
	"ltfs-tier/utils"
)

// service is everything a command may need, built from the configuration.
type service struct {
	config     *config.Config
	store      *catalog.SQLiteStore
	queue      *queue.SQLiteQueue
	library    tapehardware.TapeLibrary
	simulator  *tapehardware.Simulator
	controller *tapehardware.Controller
	refresher  *capacity.Refresher
	notifier   notify.Notifier
}

func openService(ctx context.Context, c *config.Config) (*service, error) {
	store, err := catalog.OpenSQLite(c.Database.Path)
	if err != nil {
		return nil, err
	}
	s := &service{config: c, store: store}
	if s.queue, err = queue.NewSQLiteQueue(store.DB(), c.Queue.Names[0], c.Queue.BackoffBase); err != nil {
		store.Close()
		return nil, err
	}
	if err := s.openLibrary(); err != nil {
		store.Close()
		return nil, err
	}
	s.refresher = capacity.NewRefresher(store, s.controller)
	if s.notifier, err = buildNotifier(ctx, c); err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// openLibrary selects the real autoloader or the directory backed simulator.
func (s *service) openLibrary() error {
	c := s.config
	var runner tapehardware.Runner = tapehardware.ExecRunner{}
	policy := c.SettlePolicy()
	if c.Library.Simulate {
		size, err := utils.ParseSize(c.Library.SimulatedSize)
		if err != nil {
			return errors.Wrap(err, "Library.SimulatedSize")
		}
		sim, err := tapehardware.NewSimulator(c.Library.SimulationDir, c.Drive.MountPoint, size)
		if err != nil {
			return err
		}
		s.simulator, runner = sim, sim
		// the simulator needs no quiet time between commands
		policy = tapehardware.ZeroSettlePolicy()
		log.WithField("dir", c.Library.SimulationDir).Warn("using a simulated tape library")
	}
	s.library = tapehardware.NewRealTapeLibrary(c.Library.Device, c.TapeDrive(), runner)
	s.controller = tapehardware.NewController(s.library, policy)
	return nil
}

// buildNotifier logs every event and, when configured, also journals it to
// S3 and mails it.
func buildNotifier(ctx context.Context, c *config.Config) (notify.Notifier, error) {
	notifiers := notify.Multi{notify.LogNotifier{}}
	if c.Notify.Bucket != "" {
		journal, err := notify.NewS3Journal(ctx, c.Notify.Region, c.Notify.Bucket)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, journal)
	}
	if c.Notify.SMTP.Addr != "" {
		notifiers = append(notifiers, notify.NewMailer(notify.SMTPConfig{
			Addr:     c.Notify.SMTP.Addr,
			From:     c.Notify.SMTP.From,
			User:     c.Notify.SMTP.User,
			Password: c.Notify.SMTP.Password,
		}, c.Notify.Admin))
	}
	return notifiers, nil
}

// env wires the pipelines to the service's collaborators.
func (s *service) env() *pipeline.Env {
	c := s.config
	local := remote.NewLocalCopier(transfer.NewVerifier(true))
	ssh := remote.NewSSHCopier(c.SSH())
	return &pipeline.Env{
		Store:     s.store,
		Device:    s.controller,
		Space:     capacity.NewAllocator(s.store, c.Library.Pools),
		Usage:     s.refresher,
		Copier:    transfer.NewVerifier(c.Verify.Hash),
		Transport: remote.NewTransport(local, ssh, c.Remote.LocalHost),
		Hosts:     s.store,
		Notifier:  s.notifier,
		Queue:     s.queue,
		CacheRoot: c.Cache.Root,
	}
}

func (s *service) dispatcher() *queue.Dispatcher {
	c := s.config
	d := queue.NewDispatcher(s.queue, queue.Policy{
		Queues:              c.Queue.Names,
		MaxAttempts:         c.Queue.MaxAttempts,
		MaxHardwareAttempts: c.Settle.MaxHardwareAttempts,
		Spacing:             c.Queue.Spacing,
		Poll:                c.Queue.Poll,
	}, s.notifier)
	d.HandlePipelines(s.env())
	return d
}

func (s *service) Close() {
	if err := s.store.Close(); err != nil {
		log.WithError(err).Warn("unable to close the catalog")
	}
}

// hostname names this machine in logs and health reports.
func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
