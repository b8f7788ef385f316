package service

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpdesk/backend/internal/domain"
)

var operator = Actor{Name: "Alice Agent", Email: "alice@y.com"}

func TestReplyOrDraft_Validation(t *testing.T) {
	f := newFixture(t)
	f.mustIngest(t, inbound("Ticket: Printer jam", "a@x.com"))
	ticket := f.ticketBySubject(t, "Printer jam")

	testCases := []struct {
		name    string
		payload ReplyPayload
	}{
		{
			name:    "缺少工单 ID",
			payload: ReplyPayload{TicketEmailType: domain.TicketEmailTypeReply, To: []string{"a@x.com"}},
		},
		{
			name:    "类型不能是 Ticket",
			payload: ReplyPayload{TicketID: ticket.ID, TicketEmailType: domain.TicketEmailTypeTicket, To: []string{"a@x.com"}},
		},
		{
			name:    "收件人为空",
			payload: ReplyPayload{TicketID: ticket.ID, TicketEmailType: domain.TicketEmailTypeReply, To: []string{" ", ""}},
		},
		{
			name:    "收件人格式错误",
			payload: ReplyPayload{TicketID: ticket.ID, TicketEmailType: domain.TicketEmailTypeReply, To: []string{"not-an-email"}},
		},
		{
			name: "抄送格式错误",
			payload: ReplyPayload{
				TicketID: ticket.ID, TicketEmailType: domain.TicketEmailTypeForward,
				To: []string{"a@x.com"}, Cc: []string{"bad@"},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.composer.ReplyOrDraft(context.Background(), tc.payload, operator)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	assert.Equal(t, 1, f.ticketBySubject(t, "Printer jam").ThreadCount)
	assert.Len(t, f.gateway.Sent(), 1)
}

func TestReplyOrDraft_NotFound(t *testing.T) {
	f := newFixture(t)
	f.mustIngest(t, inbound("Ticket: Printer jam", "a@x.com"))
	f.mustIngest(t, inbound("Ticket: VPN down", "b@x.com"))
	jam := f.ticketBySubject(t, "Printer jam")
	vpn := f.ticketBySubject(t, "VPN down")

	t.Run("工单不存在", func(t *testing.T) {
		_, err := f.composer.ReplyOrDraft(context.Background(), ReplyPayload{
			TicketID: "missing", TicketEmailType: domain.TicketEmailTypeReply, To: []string{"a@x.com"},
		}, operator)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("草稿不存在", func(t *testing.T) {
		_, err := f.composer.ReplyOrDraft(context.Background(), ReplyPayload{
			ID: "missing", TicketID: jam.ID, TicketEmailType: domain.TicketEmailTypeReply, To: []string{"a@x.com"},
		}, operator)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("草稿属于其他工单", func(t *testing.T) {
		draft, err := f.composer.ReplyOrDraft(context.Background(), ReplyPayload{
			TicketID: vpn.ID, TicketEmailType: domain.TicketEmailTypeReply, To: []string{"b@x.com"}, Draft: true,
		}, operator)
		require.NoError(t, err)

		_, err = f.composer.ReplyOrDraft(context.Background(), ReplyPayload{
			ID: draft.ID, TicketID: jam.ID, TicketEmailType: domain.TicketEmailTypeReply, To: []string{"a@x.com"},
		}, operator)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestReplyOrDraft_Reply(t *testing.T) {
	f := newFixture(t)
	first := f.mustIngest(t, inbound("Ticket: Printer jam", "a@x.com"))
	ticket := f.ticketBySubject(t, "Printer jam")

	reply, err := f.composer.ReplyOrDraft(context.Background(), ReplyPayload{
		TicketID:        ticket.ID,
		TicketEmailType: domain.TicketEmailTypeReply,
		To:              []string{"a@x.com"},
		Cc:              []string{"", "boss@x.com"},
		Content:         "Please restart the printer",
		EmailHTML:       "<p>Please restart the printer</p>",
	}, operator)
	require.NoError(t, err)

	assert.Equal(t, 2, reply.Thread)
	assert.False(t, reply.Draft)
	assert.Equal(t, domain.TicketEmailTypeReply, reply.TicketEmailType)
	assert.Equal(t, "Printer jam", reply.Subject)
	assert.Equal(t, []domain.MailAddress{{Name: "Helpdesk", Address: "helpdesk@y.com"}}, reply.From)
	assert.Equal(t, []domain.MailAddress{{Name: "a", Address: "a@x.com"}}, reply.To)
	assert.Equal(t, []domain.MailAddress{{Name: "boss", Address: "boss@x.com"}}, reply.Cc)
	assert.Equal(t, "Please restart the printer", reply.HTML)
	assert.Equal(t, "Alice Agent", reply.SenderName)
	assert.Contains(t, reply.MessageID, "@y.com>")
	assert.Equal(t, domain.DefaultEmailPriority, reply.Priority)

	updated := f.ticketBySubject(t, "Printer jam")
	assert.Equal(t, 2, updated.ThreadCount)
	assert.Equal(t, "Alice Agent", updated.TicketOwner)
	assert.Equal(t, "alice@y.com", updated.UpdatedBy)

	sent := f.gateway.Sent()
	require.Len(t, sent, 2)
	out := sent[1]
	assert.Equal(t, []string{"a@x.com"}, out.To)
	assert.Equal(t, []string{"boss@x.com"}, out.Cc)
	assert.Equal(t, "Printer jam", out.Subject)
	assert.Equal(t, "reply-ticket", out.Template)
	assert.Equal(t, "<p>Please restart the printer</p>", out.Body)
	assert.Equal(t, first.MessageID, out.InReplyTo)

	t.Run("后续入站邮件接在回复之后", func(t *testing.T) {
		next := f.mustIngest(t, inbound("Re: Printer jam", "a@x.com"))
		assert.Equal(t, 3, next.Thread)
		assert.Equal(t, 3, f.ticketBySubject(t, "Printer jam").ThreadCount)
	})
}

func TestReplyOrDraft_DraftThenSend(t *testing.T) {
	f := newFixture(t)
	f.mustIngest(t, inbound("Ticket: Printer jam", "a@x.com"))
	ticket := f.ticketBySubject(t, "Printer jam")
	ctx := context.Background()

	draft, err := f.composer.ReplyOrDraft(ctx, ReplyPayload{
		TicketID:        ticket.ID,
		TicketEmailType: domain.TicketEmailTypeReply,
		To:              []string{"a@x.com"},
		Content:         "draft v1",
		Draft:           true,
	}, operator)
	require.NoError(t, err)
	assert.True(t, draft.Draft)
	assert.Equal(t, 2, draft.Thread)
	assert.Len(t, f.gateway.Sent(), 1, "drafts are not sent")
	assert.Equal(t, 2, f.ticketBySubject(t, "Printer jam").ThreadCount)

	found, err := f.tickets.DraftByType(ctx, ticket.ID, "Reply")
	require.NoError(t, err)
	assert.Equal(t, draft.ID, found.ID)

	t.Run("更新草稿不改变工单", func(t *testing.T) {
		edited, err := f.composer.ReplyOrDraft(ctx, ReplyPayload{
			ID:              draft.ID,
			TicketID:        ticket.ID,
			TicketEmailType: domain.TicketEmailTypeReply,
			To:              []string{"a@x.com"},
			Content:         "draft v2",
			Draft:           true,
		}, Actor{Name: "Bob", Email: "bob@y.com"})
		require.NoError(t, err)
		assert.Equal(t, draft.ID, edited.ID)
		assert.Equal(t, "draft v2", edited.HTML)

		updated := f.ticketBySubject(t, "Printer jam")
		assert.Equal(t, 2, updated.ThreadCount)
		assert.Equal(t, "Alice Agent", updated.TicketOwner)
	})

	t.Run("发送草稿", func(t *testing.T) {
		sent, err := f.composer.ReplyOrDraft(ctx, ReplyPayload{
			ID:              draft.ID,
			TicketID:        ticket.ID,
			TicketEmailType: domain.TicketEmailTypeReply,
			To:              []string{"a@x.com"},
			Content:         "final",
			EmailHTML:       "<p>final</p>",
		}, operator)
		require.NoError(t, err)
		assert.Equal(t, draft.ID, sent.ID)
		assert.False(t, sent.Draft)
		assert.Equal(t, 2, sent.Thread)

		emails, err := f.tickets.Threads(ctx, ticket.ID)
		require.NoError(t, err)
		assert.Len(t, emails, 2)
		assert.Len(t, f.gateway.Sent(), 2)
		assert.Equal(t, 2, f.ticketBySubject(t, "Printer jam").ThreadCount)
	})

	t.Run("已发送的记录不能再修改", func(t *testing.T) {
		_, err := f.composer.ReplyOrDraft(ctx, ReplyPayload{
			ID:              draft.ID,
			TicketID:        ticket.ID,
			TicketEmailType: domain.TicketEmailTypeReply,
			To:              []string{"a@x.com"},
			Content:         "again",
		}, operator)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Len(t, f.gateway.Sent(), 2)
	})
}

func TestReplyOrDraft_Forward(t *testing.T) {
	f := newFixture(t)
	f.mustIngest(t, inbound("Ticket: Printer jam", "a@x.com"))
	ticket := f.ticketBySubject(t, "Printer jam")

	fwd, err := f.composer.ReplyOrDraft(context.Background(), ReplyPayload{
		TicketID:        ticket.ID,
		TicketEmailType: domain.TicketEmailTypeForward,
		To:              []string{"vendor@z.com"},
		Bcc:             []string{"audit@y.com"},
		Content:         "fyi",
		EmailHTML:       `<p>fyi <img src="cid:sig"></p>`,
		InlineImages: []domain.InlineImage{{
			Filename:    "sig.png",
			Content:     base64.StdEncoding.EncodeToString([]byte("png-bytes")),
			ContentType: "image/png",
			CID:         "sig",
		}},
	}, operator)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketEmailTypeForward, fwd.TicketEmailType)
	assert.Equal(t, 2, fwd.Thread)
	assert.Equal(t, []domain.MailAddress{{Name: "audit", Address: "audit@y.com"}}, fwd.Bcc)

	sent := f.gateway.Sent()
	require.Len(t, sent, 2)
	out := sent[1]
	assert.Equal(t, []string{"vendor@z.com"}, out.To)
	assert.Equal(t, []string{"audit@y.com"}, out.Bcc)
	assert.Empty(t, out.InReplyTo)
	require.Len(t, out.Attachments, 1)
	assert.Equal(t, "sig", out.Attachments[0].ContentID)
	assert.Equal(t, []byte("png-bytes"), out.Attachments[0].Content)
}

func TestReplyOrDraft_ReplyCarriesStoredAttachments(t *testing.T) {
	f := newFixture(t)
	f.mustIngest(t, inbound("Ticket: Printer jam", "a@x.com"))
	ticket := f.ticketBySubject(t, "Printer jam")

	att, err := f.attachments.Upload(context.Background(), UploadInput{
		EnvID: "env1", TicketRef: ticket.ID, FileName: "manual.pdf",
		ContentType: "application/pdf", Content: []byte("%PDF"),
	})
	require.NoError(t, err)

	_, err = f.composer.ReplyOrDraft(context.Background(), ReplyPayload{
		TicketID:        ticket.ID,
		TicketEmailType: domain.TicketEmailTypeReply,
		To:              []string{"a@x.com"},
		Content:         "see manual",
		Attachments:     []domain.AttachmentRef{att.Ref()},
	}, operator)
	require.NoError(t, err)

	sent := f.gateway.Sent()
	require.Len(t, sent, 2)
	require.Len(t, sent[1].Attachments, 1)
	assert.Equal(t, "manual.pdf", sent[1].Attachments[0].Filename)
	assert.FileExists(t, sent[1].Attachments[0].Path)
}

func TestReplyOrDraft_SendFailureKeepsRecord(t *testing.T) {
	f := newFixture(t)
	f.mustIngest(t, inbound("Ticket: Printer jam", "a@x.com"))
	ticket := f.ticketBySubject(t, "Printer jam")
	f.gateway.err = assert.AnError

	reply, err := f.composer.ReplyOrDraft(context.Background(), ReplyPayload{
		TicketID: ticket.ID, TicketEmailType: domain.TicketEmailTypeReply,
		To: []string{"a@x.com"}, Content: "hi",
	}, operator)
	require.NoError(t, err)
	assert.Equal(t, 2, reply.Thread)
	assert.Equal(t, 2, f.ticketBySubject(t, "Printer jam").ThreadCount)
}

func TestReplyOrDraft_OneDraftPerType(t *testing.T) {
	f := newFixture(t)
	f.mustIngest(t, inbound("Ticket: Printer jam", "a@x.com"))
	ticket := f.ticketBySubject(t, "Printer jam")
	ctx := context.Background()

	compose := func(typ domain.TicketEmailType, content string, draft bool) *domain.TicketEmail {
		t.Helper()
		email, err := f.composer.ReplyOrDraft(ctx, ReplyPayload{
			TicketID:        ticket.ID,
			TicketEmailType: typ,
			To:              []string{"a@x.com"},
			Content:         content,
			Draft:           draft,
		}, operator)
		require.NoError(t, err)
		return email
	}

	first := compose(domain.TicketEmailTypeReply, "v1", true)
	second := compose(domain.TicketEmailTypeReply, "v2", true)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "v2", second.HTML)
	assert.Equal(t, 2, second.Thread)
	assert.Equal(t, 2, f.ticketBySubject(t, "Printer jam").ThreadCount)

	emails, err := f.tickets.Threads(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Len(t, emails, 2)

	t.Run("不同类型各有一份草稿", func(t *testing.T) {
		fwd := compose(domain.TicketEmailTypeForward, "fyi", true)
		assert.NotEqual(t, first.ID, fwd.ID)
		assert.Equal(t, 3, fwd.Thread)
		assert.Equal(t, 3, f.ticketBySubject(t, "Printer jam").ThreadCount)
	})

	t.Run("不带 ID 发送时沿用已有草稿", func(t *testing.T) {
		sent := compose(domain.TicketEmailTypeReply, "final", false)
		assert.Equal(t, first.ID, sent.ID)
		assert.False(t, sent.Draft)
		assert.Equal(t, 2, sent.Thread)
		assert.Equal(t, 3, f.ticketBySubject(t, "Printer jam").ThreadCount)
		assert.Len(t, f.gateway.Sent(), 2)

		_, err := f.tickets.DraftByType(ctx, ticket.ID, "Reply")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}
