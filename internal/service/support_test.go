package service

import (
	"context"
	"encoding/base64"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/mailer"
	"helpdesk/backend/internal/monitoring"
	"helpdesk/backend/internal/pool"
)

// ========== KeyLock ==========

func TestKeyLock_SerializesSameKey(t *testing.T) {
	l := NewKeyLock()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("env1\x00Printer jam")
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
	assert.Zero(t, l.Len())
}

func TestKeyLock_IndependentKeys(t *testing.T) {
	l := NewKeyLock()

	unlockA := l.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
	assert.Equal(t, 1, l.Len())

	unlockA()
	unlockA()
	assert.Zero(t, l.Len())
}

// ========== HTML ==========

func TestRewriteInline(t *testing.T) {
	html := `<img src="cid:a"><img src="cid:b"><img src="cid:a">`
	got := RewriteInline(html, map[string]string{"a": "id-a", "": "ignored"}, "http://desk.test/")

	assert.Equal(t,
		`<img src="http://desk.test/attachment/download/id-a"><img src="cid:b"><img src="http://desk.test/attachment/download/id-a">`,
		got)
	assert.Equal(t, html, RewriteInline(html, nil, "http://desk.test"))
}

func TestTruncateQuoted(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{name: "no quote", in: "<p>hi</p>", want: "<p>hi</p>"},
		{name: "quote", in: `<p>hi</p><blockquote type="cite">old</blockquote>`, want: "<p>hi</p>"},
		{name: "first quote wins", in: "a<blockquote>b</blockquote>c<blockquote>d", want: "a"},
		{name: "empty", in: "", want: ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TruncateQuoted(tc.in))
		})
	}
}

func TestHTMLSanitizer(t *testing.T) {
	var nilSanitizer *HTMLSanitizer
	assert.Equal(t, "<script>x</script>", nilSanitizer.Sanitize("<script>x</script>"))

	s := NewHTMLSanitizer()
	got := s.Sanitize(`<div style="color:red" onload="x()">ok<script>alert(1)</script><a href="https://x.com">link</a></div>`)
	assert.NotContains(t, got, "script")
	assert.NotContains(t, got, "onload")
	assert.Contains(t, got, "ok")
	assert.Contains(t, got, `rel="nofollow`)
}

// ========== Attachment ==========

func TestAttachmentService_Upload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("缺省值", func(t *testing.T) {
		att, err := f.attachments.Upload(ctx, UploadInput{EnvID: "env1", Content: []byte("data"), Actor: "alice@y.com"})
		require.NoError(t, err)
		assert.Equal(t, domain.DispositionAttachment, att.ContentDisposition)
		assert.Len(t, att.ContentID, 10)
		assert.Equal(t, att.ContentID, att.Name)
		assert.Equal(t, int64(4), att.Size)
		assert.Contains(t, att.Location, OrphanTicketRef)
		assert.Equal(t, "alice@y.com", att.CreatedBy)

		got, path, err := f.attachments.Resolve(ctx, att.ID)
		require.NoError(t, err)
		assert.Equal(t, att.ID, got.ID)
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, []byte("data"), content)
	})

	t.Run("空内容", func(t *testing.T) {
		_, err := f.attachments.Upload(ctx, UploadInput{EnvID: "env1"})
		assert.ErrorIs(t, err, ErrNoContent)
	})

	t.Run("未知展示方式", func(t *testing.T) {
		_, err := f.attachments.Upload(ctx, UploadInput{EnvID: "env1", Content: []byte("x"), Disposition: "sideways"})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("不存在的附件", func(t *testing.T) {
		_, _, err := f.attachments.Resolve(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestAttachmentService_ResolveRefs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inline, err := f.attachments.Upload(ctx, UploadInput{EnvID: "env1", TicketRef: "t1", FileName: "a.png", Content: []byte("a"), Disposition: "inline", ContentID: "a"})
	require.NoError(t, err)
	file, err := f.attachments.Upload(ctx, UploadInput{EnvID: "env1", TicketRef: "t1", FileName: "b.txt", Content: []byte("b"), ContentID: "b"})
	require.NoError(t, err)
	missing := domain.AttachmentRef{ID: "gone", Name: "gone.txt", Location: "env1/t1/gone"}

	out := f.attachments.ResolveRefs([]domain.AttachmentRef{inline.Ref(), missing, file.Ref()})
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ContentID)
	assert.Equal(t, "a.png", out[0].Filename)
	assert.Empty(t, out[1].ContentID)
	assert.Equal(t, "b.txt", out[1].Filename)
}

func TestInlineImageAttachments(t *testing.T) {
	out, err := InlineImageAttachments([]domain.InlineImage{
		{Filename: "a.png", Content: base64.StdEncoding.EncodeToString([]byte("png")), CID: "a"},
		{Filename: "b.txt", Content: "plain", Encoding: "binary", CID: "b"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []byte("png"), out[0].Content)
	assert.Equal(t, []byte("plain"), out[1].Content)

	_, err = InlineImageAttachments([]domain.InlineImage{{Filename: "x", Content: "%%%"}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

// ========== Notifier ==========

func TestNotifier_AsyncPool(t *testing.T) {
	gateway := &fakeGateway{}
	workers := pool.NewWorkerPool(2, 8, zap.NewNop())
	workers.Start(context.Background())
	defer workers.Stop()

	metrics := monitoring.NewMetrics()
	n := NewNotifier(gateway, workers, testHelpdeskConfig(), metrics, zap.NewNop())
	n.NotifyNewTicket(7, "<p>hi</p>", []mailer.Attachment{{Filename: "a.txt", Content: []byte("a")}})

	assert.Eventually(t, func() bool { return len(gateway.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	sent := gateway.Sent()[0]
	assert.Equal(t, "[## 7 ##] Ticket has been assigned to your team", sent.Subject)
	assert.Equal(t, mailer.TemplateSupportTicket, sent.Template)
	assert.Equal(t, "<p>hi</p>", sent.Body)
	assert.Len(t, sent.Attachments, 1)
}

func TestNotifier_StoppedPoolDropsMail(t *testing.T) {
	gateway := &fakeGateway{}
	workers := pool.NewWorkerPool(1, 1, zap.NewNop())
	workers.Start(context.Background())
	workers.Stop()

	n := NewNotifier(gateway, workers, testHelpdeskConfig(), nil, nil)
	n.NotifyNewTicket(1, "x", nil)
	assert.Empty(t, gateway.Sent())
}

func TestNotifier_Recipients(t *testing.T) {
	t.Run("未配置收件人时跳过", func(t *testing.T) {
		cfg := testHelpdeskConfig()
		cfg.SupportRecipients = nil
		gateway := &fakeGateway{}
		NewNotifier(gateway, nil, cfg, nil, nil).NotifyNewTicket(1, "x", nil)
		assert.Empty(t, gateway.Sent())
	})

	t.Run("回退到默认收件人", func(t *testing.T) {
		cfg := testHelpdeskConfig()
		cfg.SupportRecipients = nil
		cfg.DefaultSupportRecipient = "fallback@y.com"
		gateway := &fakeGateway{}
		NewNotifier(gateway, nil, cfg, nil, nil).NotifyNewTicket(1, "x", nil)
		require.Len(t, gateway.Sent(), 1)
		assert.Equal(t, []string{"fallback@y.com"}, gateway.Sent()[0].To)
	})

	t.Run("发送失败返回 false", func(t *testing.T) {
		gateway := &fakeGateway{err: assert.AnError}
		n := NewNotifier(gateway, nil, testHelpdeskConfig(), nil, nil)
		assert.False(t, n.Send(context.Background(), &mailer.OutboundMail{To: []string{"a@x.com"}}))
	})
}
