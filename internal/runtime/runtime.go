package runtime

import (
	"context"
	"errors"
	"time"

	cfgpkg "github.com/tidewave/strand/internal/config"
	"github.com/tidewave/strand/internal/scheduler"
	connsvc "github.com/tidewave/strand/internal/services/connections"
	convsvc "github.com/tidewave/strand/internal/services/conversations"
	"github.com/tidewave/strand/internal/services/dispatch"
	notifysvc "github.com/tidewave/strand/internal/services/notify"
	pebblestore "github.com/tidewave/strand/internal/storage/pebble"
	"github.com/tidewave/strand/internal/table"
	"github.com/tidewave/strand/internal/transport"
	logpkg "github.com/tidewave/strand/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        logpkg.Logger
	Sender        transport.Sender
	Mailer        notifysvc.Mailer
}

// Runtime wires storage, the table, the scheduler, and the services for a
// single-node instance.
type Runtime struct {
	db     *pebblestore.DB
	tbl    *table.Table
	sched  *scheduler.Scheduler
	config cfgpkg.Config
	logger logpkg.Logger

	connections   *connsvc.Service
	conversations *convsvc.Service
	notify        *notifysvc.Service
	dispatcher    *dispatch.Dispatcher
}

func (o Options) validate() error {
	if o.Sender == nil {
		return errors.New("runtime: Options.Sender is required")
	}
	return nil
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger()
	}

	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
	})
	if err != nil {
		return nil, err
	}
	tbl, err := table.Open(db, table.Options{
		Name:           opts.Config.TableName,
		FeedPartitions: opts.Config.FeedPartitions,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	sched := scheduler.New(db, scheduler.Options{
		Logger:       logger,
		PollInterval: opts.Config.SchedulerPoll.Std(),
	})

	connections := connsvc.New(tbl, connsvc.Options{
		Sender:          opts.Sender,
		Logger:          logger,
		SubscriptionTTL: opts.Config.SubscriptionTTL.Std(),
	})
	conversations := convsvc.New(tbl, logger)
	notify := notifysvc.New(tbl, sched, notifysvc.Options{
		Mailer:      opts.Mailer,
		Logger:      logger,
		DigestDelay: opts.Config.DigestDelay.Std(),
	})
	dispatcher := dispatch.New(tbl, connections, dispatch.Options{
		Logger:    logger,
		BatchSize: opts.Config.DispatchBatchSize,
	})

	return &Runtime{
		db:            db,
		tbl:           tbl,
		sched:         sched,
		config:        opts.Config,
		logger:        logger,
		connections:   connections,
		conversations: conversations,
		notify:        notify,
		dispatcher:    dispatcher,
	}, nil
}

// Run starts the dispatcher and the scheduler and blocks until ctx is
// cancelled and both have drained.
func (r *Runtime) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.sched.Run(ctx)
		close(done)
	}()
	r.dispatcher.Run(ctx)
	<-done
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// Connections returns the connection lifecycle service.
func (r *Runtime) Connections() *connsvc.Service { return r.connections }

// Conversations returns the conversation/channel service.
func (r *Runtime) Conversations() *convsvc.Service { return r.conversations }

// Notify returns the unread/email-digest service.
func (r *Runtime) Notify() *notifysvc.Service { return r.notify }

// Table exposes the underlying table for advanced operations (internal use
// only).
func (r *Runtime) Table() *table.Table { return r.tbl }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
