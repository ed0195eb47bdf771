package notifysvc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tidewave/strand/internal/scheduler"
	"github.com/tidewave/strand/internal/table"
	"github.com/tidewave/strand/internal/topics"
	logpkg "github.com/tidewave/strand/pkg/log"
)

// TaskKindEmailFlush is the scheduler task kind for debounced email digests.
const TaskKindEmailFlush = "email-flush"

// DefaultDigestDelay is how long a channel stays quiet for a user before
// their pending digest is flushed.
const DefaultDigestDelay = 5 * time.Minute

// Mailer delivers one digest email.
type Mailer interface {
	SendDigest(ctx context.Context, userID, channelID string, messageIDs []string) error
}

// LogMailer is the default Mailer; it logs instead of sending. Useful in
// development and as the fallback when no SMTP relay is configured.
type LogMailer struct {
	Logger logpkg.Logger
}

func (m LogMailer) SendDigest(ctx context.Context, userID, channelID string, messageIDs []string) error {
	m.Logger.Info("email digest",
		logpkg.Str("user", userID),
		logpkg.Str("channel", channelID),
		logpkg.Int("messages", len(messageIDs)))
	return nil
}

// Service maintains per-user unread markers and schedules debounced email
// digests for unread activity.
type Service struct {
	tbl    *table.Table
	sched  *scheduler.Scheduler
	mailer Mailer
	logger logpkg.Logger
	delay  time.Duration
	// beforeSwap runs between scheduling a flush task and publishing its id
	// on the mail row; swappable in tests.
	beforeSwap func()
}

// Options configures the notify Service.
type Options struct {
	Mailer      Mailer
	Logger      logpkg.Logger
	DigestDelay time.Duration
}

// flushPayload is the scheduler payload for an email flush task.
type flushPayload struct {
	UserID    string `json:"user"`
	ChannelID string `json:"channel"`
}

// New returns a notify Service and registers its flush handler on the
// scheduler.
func New(tbl *table.Table, sched *scheduler.Scheduler, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	logger = logger.With(logpkg.Component("notify"))
	mailer := opts.Mailer
	if mailer == nil {
		mailer = LogMailer{Logger: logger}
	}
	delay := opts.DigestDelay
	if delay <= 0 {
		delay = DefaultDigestDelay
	}
	s := &Service{tbl: tbl, sched: sched, mailer: mailer, logger: logger, delay: delay}
	sched.Register(TaskKindEmailFlush, s.flush)
	return s
}

// QueueEmailNotification records a message as unread for a user and
// (re)schedules their digest for the channel. Each call pushes the flush out
// by the digest delay, so a burst of messages collapses into one email.
// With requireOptIn set, opted-out users get the unread marker but no
// scheduled digest; callers that have already established the user wants
// mail pass false and skip the preference read.
func (s *Service) QueueEmailNotification(ctx context.Context, userID, channelID, messageID string, requireOptIn bool) error {
	unreadKey := table.Key{Partition: topics.User(userID), Sort: topics.UnreadSort(channelID)}
	if _, err := s.tbl.Update(ctx, unreadKey,
		[]table.Op{table.AddOp(topics.AttrUnread, table.SS(messageID))}, table.UpdateOptions{}); err != nil {
		return err
	}

	if requireOptIn {
		user, err := s.tbl.Get(ctx, topics.MetaKey(topics.User(userID)))
		if err != nil {
			return err
		}
		if user != nil && optedOut(user) {
			return nil
		}
	}

	mailKey := table.Key{Partition: topics.User(userID), Sort: topics.MailSort(channelID)}
	for attempt := 0; attempt < 3; attempt++ {
		mail, err := s.tbl.Get(ctx, mailKey)
		if err != nil {
			return err
		}
		prevTaskID := ""
		if mail != nil {
			prevTaskID = mail.String(topics.AttrTaskID)
		}
		if prevTaskID != "" {
			if err := s.sched.HandleFor(prevTaskID).Cancel(ctx); err != nil {
				return err
			}
		}

		handle, err := s.scheduleFlush(ctx, userID, channelID)
		if err != nil {
			return err
		}
		if s.beforeSwap != nil {
			s.beforeSwap()
		}

		_, err = s.tbl.Update(ctx, mailKey, []table.Op{
			table.SetOp(topics.AttrTaskID, table.S(handle.TaskID())),
			table.AddOp(topics.AttrPending, table.SS(messageID)),
		}, table.UpdateOptions{ExpectAttr: topics.AttrTaskID, ExpectValue: prevTaskID})
		if err == nil {
			return nil
		}
		if !errors.Is(err, table.ErrConflict) {
			return err
		}

		// Another writer swapped the task under us; drop ours.
		if cerr := handle.Cancel(ctx); cerr != nil {
			return cerr
		}
		cur, err := s.tbl.Get(ctx, mailKey)
		if err != nil {
			return err
		}
		curTaskID := ""
		if cur != nil {
			curTaskID = cur.String(topics.AttrTaskID)
		}
		if curTaskID != "" {
			if active, aerr := s.sched.HandleFor(curTaskID).IsActive(); aerr == nil && active {
				// Their flush covers the channel; join the pending set,
				// which commutes.
				_, err = s.tbl.Update(ctx, mailKey,
					[]table.Op{table.AddOp(topics.AttrPending, table.SS(messageID))}, table.UpdateOptions{})
				return err
			}
		}
		// The competing task already fired and nothing live remains. Retry
		// from the top so a fresh flush picks this message up; a bare
		// pending ADD here would strand it.
	}

	s.logger.Warn("digest swap kept conflicting, queueing without reschedule",
		logpkg.Str("user", userID), logpkg.Str("channel", channelID))
	_, err := s.tbl.Update(ctx, mailKey,
		[]table.Op{table.AddOp(topics.AttrPending, table.SS(messageID))}, table.UpdateOptions{})
	return err
}

func (s *Service) scheduleFlush(ctx context.Context, userID, channelID string) (*scheduler.Handle, error) {
	payload, err := json.Marshal(flushPayload{UserID: userID, ChannelID: channelID})
	if err != nil {
		return nil, err
	}
	return s.sched.Schedule(ctx, TaskKindEmailFlush, payload, s.delay)
}

func optedOut(user table.Item) bool {
	v, ok := user[topics.AttrEmailOptIn]
	return ok && v.Str == "false"
}

// flush is the scheduler handler: it emails the pending digest for one
// user/channel pair and clears the mail row, guarded so a digest scheduled
// after this task fired is left alone.
func (s *Service) flush(ctx context.Context, raw []byte) {
	var p flushPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn("undecodable flush payload", logpkg.Err(err))
		return
	}
	mailKey := table.Key{Partition: topics.User(p.UserID), Sort: topics.MailSort(p.ChannelID)}
	mail, err := s.tbl.Get(ctx, mailKey)
	if err != nil {
		s.logger.Error("read mail row", logpkg.Str("user", p.UserID), logpkg.Err(err))
		return
	}
	if mail == nil {
		return
	}
	taskID := mail.String(topics.AttrTaskID)
	if taskID != "" {
		// A newer schedule exists only if its task record is still live; this
		// task already consumed its own record.
		if active, _ := s.sched.HandleFor(taskID).IsActive(); active {
			return
		}
	}
	pending := mail.Set(topics.AttrPending)
	if len(pending) > 0 {
		if err := s.mailer.SendDigest(ctx, p.UserID, p.ChannelID, pending); err != nil {
			s.logger.Error("send digest",
				logpkg.Str("user", p.UserID), logpkg.Str("channel", p.ChannelID), logpkg.Err(err))
			return
		}
	}
	_, err = s.tbl.Update(ctx, mailKey, []table.Op{
		table.RemoveOp(topics.AttrTaskID),
		table.DeleteOp(topics.AttrPending, table.SS(pending...)),
	}, table.UpdateOptions{ExpectAttr: topics.AttrTaskID, ExpectValue: taskID})
	if err != nil && !errors.Is(err, table.ErrConflict) {
		s.logger.Error("clear mail row", logpkg.Str("user", p.UserID), logpkg.Err(err))
	}
}

// MarkRead clears unread and pending markers for the messages and stamps the
// user onto each message's read set. When a channel's pending digest drains
// to empty, the scheduled email is cancelled.
func (s *Service) MarkRead(ctx context.Context, userID, channelID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	unreadKey := table.Key{Partition: topics.User(userID), Sort: topics.UnreadSort(channelID)}
	if _, err := s.tbl.Update(ctx, unreadKey,
		[]table.Op{table.DeleteOp(topics.AttrUnread, table.SS(messageIDs...))}, table.UpdateOptions{}); err != nil {
		return err
	}

	for _, messageID := range messageIDs {
		msgKey := table.Key{Partition: topics.Channel(channelID), Sort: topics.MessageSort(messageID)}
		_, err := s.tbl.Update(ctx, msgKey,
			[]table.Op{table.AddOp(topics.AttrReadBy, table.SS(userID))},
			table.UpdateOptions{MustExist: true})
		if err != nil && !errors.Is(err, table.ErrConflict) {
			return err
		}
	}

	mailKey := table.Key{Partition: topics.User(userID), Sort: topics.MailSort(channelID)}
	if _, err := s.tbl.Update(ctx, mailKey,
		[]table.Op{table.DeleteOp(topics.AttrPending, table.SS(messageIDs...))}, table.UpdateOptions{}); err != nil {
		return err
	}
	mail, err := s.tbl.Get(ctx, mailKey)
	if err != nil {
		return err
	}
	if mail == nil || len(mail.Set(topics.AttrPending)) > 0 {
		return nil
	}
	taskID := mail.String(topics.AttrTaskID)
	if taskID == "" {
		return nil
	}
	if err := s.sched.HandleFor(taskID).Cancel(ctx); err != nil {
		return err
	}
	_, err = s.tbl.Update(ctx, mailKey, []table.Op{table.RemoveOp(topics.AttrTaskID)},
		table.UpdateOptions{ExpectAttr: topics.AttrTaskID, ExpectValue: taskID})
	if errors.Is(err, table.ErrConflict) {
		// A newer digest was scheduled between our drain check and the clear.
		return nil
	}
	return err
}

// Unread returns the user's unread message ids for a channel.
func (s *Service) Unread(ctx context.Context, userID, channelID string) ([]string, error) {
	unreadKey := table.Key{Partition: topics.User(userID), Sort: topics.UnreadSort(channelID)}
	it, err := s.tbl.Get(ctx, unreadKey)
	if err != nil || it == nil {
		return nil, err
	}
	return it.Set(topics.AttrUnread), nil
}

// WantsEmailNotifications records the user's email preference. Disabling
// cancels every scheduled digest the user has and clears their mail rows;
// unread markers are kept either way.
func (s *Service) WantsEmailNotifications(ctx context.Context, userID string, optIn bool) error {
	value := "true"
	if !optIn {
		value = "false"
	}
	_, err := s.tbl.Update(ctx, topics.MetaKey(topics.User(userID)),
		[]table.Op{table.SetOp(topics.AttrEmailOptIn, table.S(value))}, table.UpdateOptions{})
	if err != nil {
		return err
	}
	if optIn {
		return nil
	}

	rows, err := s.tbl.Query(ctx, topics.User(userID), table.QueryOptions{SortPrefix: topics.PrefixMail})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if taskID := row.Item.String(topics.AttrTaskID); taskID != "" {
			if err := s.sched.HandleFor(taskID).Cancel(ctx); err != nil {
				return err
			}
		}
		if _, err := s.tbl.Delete(ctx, row.Key, false); err != nil {
			return err
		}
	}
	return nil
}
