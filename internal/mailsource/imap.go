package mailsource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/monitoring"
)

// SourceIMAP IMAP 邮件源名称
const SourceIMAP = "imap"

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

// IMAPWatcher 轮询被监听邮箱中的未读邮件。
//
// 每次轮询按 UID 顺序逐封处理；处理成功（或已写入死信）的邮件标记为已读或删除，
// 可重试的失败保持未读，下次轮询重新投递。
type IMAPWatcher struct {
	cfg        config.IMAPConfig
	dispatcher *Dispatcher
	metrics    *monitoring.Metrics
	now        func() time.Time
	newClient  func(config.IMAPConfig) (imapClient, error)
	log        *zap.Logger
}

// IMAPOption 自定义 IMAPWatcher
type IMAPOption func(*IMAPWatcher)

// WithIMAPClock 替换时钟，主要用于测试
func WithIMAPClock(now func() time.Time) IMAPOption {
	return func(w *IMAPWatcher) {
		if now != nil {
			w.now = now
		}
	}
}

func withIMAPClientFactory(factory func(config.IMAPConfig) (imapClient, error)) IMAPOption {
	return func(w *IMAPWatcher) {
		w.newClient = factory
	}
}

// NewIMAPWatcher 创建 IMAP 轮询器
func NewIMAPWatcher(cfg config.IMAPConfig, dispatcher *Dispatcher, metrics *monitoring.Metrics, log *zap.Logger, opts ...IMAPOption) *IMAPWatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	w := &IMAPWatcher{
		cfg:        cfg,
		dispatcher: dispatcher,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.With(zap.String("component", "imap")),
	}
	w.newClient = w.dial
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Poll 取出并处理一批未读邮件
func (w *IMAPWatcher) Poll(ctx context.Context) error {
	if w.cfg.Username == "" || w.cfg.Password == "" {
		return errors.New("imap account missing credentials")
	}

	client, err := w.newClient(w.cfg)
	if err != nil {
		return fmt.Errorf("imap connect: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			w.log.Debug("IMAP close error", zap.Error(err))
		}
	}()

	if err := client.Login(w.cfg.Username, w.cfg.Password).Wait(); err != nil {
		return fmt.Errorf("imap auth: %w", err)
	}
	if _, err := client.Select(w.cfg.Mailbox, nil).Wait(); err != nil {
		return fmt.Errorf("imap select %s: %w", w.cfg.Mailbox, err)
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen, imap.FlagDeleted}}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return fmt.Errorf("imap search: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return client.Logout().Wait()
	}

	fetchOpts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	}
	buffers, err := client.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return fmt.Errorf("imap fetch: %w", err)
	}
	w.metrics.RecordFetched(SourceIMAP, len(buffers))

	var done []imap.UID
	for _, buf := range buffers {
		if ctx.Err() != nil {
			break
		}
		body := firstBodySection(buf)
		if body == nil {
			continue
		}
		received := buf.InternalDate
		if received.IsZero() {
			received = w.now()
		}
		uid := strconv.FormatUint(uint64(buf.UID), 10)

		if err := w.dispatcher.DeliverRaw(ctx, SourceIMAP, body, uid, flagStrings(buf.Flags), received); err != nil {
			w.log.Warn("Mail left for redelivery", zap.String("uid", uid), zap.Error(err))
			continue
		}
		done = append(done, buf.UID)
	}

	if err := w.markDone(client, done); err != nil {
		return err
	}
	if err := client.Logout().Wait(); err != nil {
		return fmt.Errorf("imap logout: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// markDone 标记已处理的邮件：MarkSeen 时加 \Seen，否则删除
func (w *IMAPWatcher) markDone(client imapClient, uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}
	set := imap.UIDSetNum(uids...)

	flag := imap.FlagSeen
	if !w.cfg.MarkSeen {
		flag = imap.FlagDeleted
	}
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{flag}}
	if err := client.Store(set, store, nil).Close(); err != nil {
		return fmt.Errorf("imap store %s: %w", flag, err)
	}
	if !w.cfg.MarkSeen {
		if err := client.UIDExpunge(set).Close(); err != nil {
			return fmt.Errorf("imap expunge: %w", err)
		}
	}
	return nil
}

// firstBodySection 只请求了一个正文段，取第一个即可
func firstBodySection(buf *imapclient.FetchMessageBuffer) []byte {
	if len(buf.BodySection) == 0 {
		return nil
	}
	return buf.BodySection[0].Bytes
}

func flagStrings(flags []imap.Flag) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}

func (w *IMAPWatcher) dial(cfg config.IMAPConfig) (imapClient, error) {
	if cfg.Host == "" {
		return nil, errors.New("imap host is empty")
	}
	port := cfg.Port
	if port == 0 {
		port = 143
		if cfg.TLS {
			port = 993
		}
	}
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: cfg.DialTimeout}}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	var client *imapclient.Client
	var err error
	if cfg.TLS {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (c *imapClientWrapper) Login(username, password string) commandWaiter {
	return c.Client.Login(username, password)
}
func (c *imapClientWrapper) Logout() commandWaiter { return c.Client.Logout() }
func (c *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return c.Client.Select(mailbox, options)
}
func (c *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return c.Client.UIDSearch(criteria, options)
}
func (c *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return c.Client.Fetch(numSet, options)
}
func (c *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return c.Client.Store(numSet, store, options)
}
func (c *imapClientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return c.Client.UIDExpunge(uids)
}
