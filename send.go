package convsync

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// sendPipeline moves one outbound message through
// composing → pending → {confirmed | failed}.
type sendPipeline struct {
	api      API
	uploader Uploader
	w        *writer
	cache    *Cache
	index    *ConversationIndex
	tokens   TokenSource
	events   *emitter
	metrics  *Metrics
	log      *slog.Logger

	side          Side
	sendTimeout   time.Duration
	uploadTimeout time.Duration
	now           func() time.Time

	// refresh asks for a conversation-list refresh after a successful send.
	refresh func()
}

func (p *sendPipeline) send(ctx context.Context, d Draft) (Message, error) {
	ctx = WithConversation(ctx, d.ConversationID)
	ctx, span := startSpan(ctx, "send", trace.WithAttributes(
		attribute.String("conversation.id", d.ConversationID),
	))
	defer span.End()

	msg, err := p.run(ctx, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("message.id", msg.ID))
	}
	return msg, err
}

func (p *sendPipeline) run(ctx context.Context, d Draft) (Message, error) {
	if err := validateDraft(d); err != nil {
		p.metrics.Send.WithLabelValues("invalid").Inc()
		return Message{}, err
	}

	// Uploads happen before anything is inserted, so an upload failure
	// leaves the timeline untouched.
	attachments := append([]Attachment(nil), d.Attachments...)
	if d.File != nil {
		a, err := p.upload(ctx, *d.File)
		if err != nil {
			p.metrics.Send.WithLabelValues("upload_failed").Inc()
			p.log.WarnContext(ctx, "send.upload_failed", "file", d.File.Name, "error", err)
			return Message{}, err
		}
		attachments = append(attachments, a)
	}

	typ := d.Type
	if typ == "" {
		typ = MessageText
		if len(attachments) > 0 {
			typ = MessageFile
		}
	}
	if typ == MessageFile && len(attachments) == 0 {
		p.metrics.Send.WithLabelValues("invalid").Inc()
		return Message{}, &Error{Kind: KindValidation, Op: "send", Message: "file message without attachment"}
	}

	token := p.tokens.NewToken()
	pending := Message{
		ID:              token,
		ConversationID:  d.ConversationID,
		Sender:          p.side,
		Type:            typ,
		Text:            d.Text,
		Attachments:     attachments,
		CreatedAt:       p.now().UTC(),
		ClientMessageID: token,
		Status:          StatusPending,
	}
	if !p.w.insertPending(pending) {
		p.metrics.Send.WithLabelValues("invalid").Inc()
		return Message{}, &Error{Kind: KindValidation, Op: "send", Message: "correlation token already in use"}
	}
	prior, _ := p.index.Get(d.ConversationID)
	p.index.ApplyMessage(pending)
	p.updatePending()
	p.events.emit(EventMessagePending, pending)
	p.log.DebugContext(ctx, "send.pending", "token", token)

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	confirmed, err := p.api.SendMessage(sendCtx, d.ConversationID, SendRequest{
		Type:            typ,
		Text:            d.Text,
		Attachments:     attachments,
		ClientMessageID: token,
	})
	cancel()
	if err != nil {
		return p.fail(ctx, pending, prior, err)
	}

	if confirmed.ClientMessageID == "" {
		confirmed.ClientMessageID = token
	}
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = d.ConversationID
	}
	outcome := p.w.confirm(token, confirmed)
	p.metrics.observeReconcile(outcome)
	p.metrics.Send.WithLabelValues("confirmed").Inc()
	p.updatePending()
	p.index.ApplyMessage(confirmed)
	p.log.InfoContext(ctx, "send.confirmed", "token", token, "message_id", confirmed.ID, "outcome", outcome.String())

	// The stream echo may have replaced the entry first; the cache holds the
	// authoritative copy either way.
	if m, ok := p.cache.ByToken(d.ConversationID, token); ok && !m.Pending() {
		confirmed = m
	}
	p.events.emit(EventMessageConfirmed, confirmed)
	if p.refresh != nil {
		p.refresh()
	}
	return confirmed, nil
}

func (p *sendPipeline) fail(ctx context.Context, pending Message, prior Conversation, cause error) (Message, error) {
	err := wrapTransport("send message", cause)
	token := pending.ClientMessageID

	if p.w.fail(pending.ConversationID, token) {
		p.metrics.Evictions.Inc()
		p.retractPreview(pending, prior)
	} else if m, ok := p.cache.ByToken(pending.ConversationID, token); ok && !m.Pending() {
		// The stream echo confirmed the message before the call gave up.
		p.metrics.Send.WithLabelValues("confirmed").Inc()
		p.updatePending()
		p.log.InfoContext(ctx, "send.confirmed_by_stream", "token", token, "message_id", m.ID, "error", err)
		p.events.emit(EventMessageConfirmed, m)
		return m, nil
	}

	p.metrics.Send.WithLabelValues("failed").Inc()
	p.updatePending()
	p.log.WarnContext(ctx, "send.failed", "token", token, "kind", KindOf(err), "error", err)
	p.events.emit(EventMessageFailed, MessageFailed{Message: pending, Err: err})
	return Message{}, err
}

// retractPreview points the conversation preview back at the newest message
// that survived the eviction, or at what the index held before the send.
func (p *sendPipeline) retractPreview(pending Message, prior Conversation) {
	at, preview := prior.LastMessageAt, prior.LastMessagePreview
	if msgs := p.cache.Messages(pending.ConversationID); len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if !last.CreatedAt.Before(at) {
			at, preview = last.CreatedAt, last.Preview()
		}
	}
	p.index.RetractMessage(pending, at, preview)
}

func (p *sendPipeline) upload(ctx context.Context, f FileUpload) (Attachment, error) {
	if p.uploader == nil {
		return Attachment{}, &Error{Kind: KindUpload, Op: "upload", Message: "no upload service configured"}
	}
	uctx, cancel := context.WithTimeout(ctx, p.uploadTimeout)
	defer cancel()
	a, err := p.uploader.Upload(uctx, f)
	if err != nil {
		return Attachment{}, asUploadError(err)
	}
	if a.FileID == "" && a.URL == "" {
		return Attachment{}, &Error{Kind: KindUpload, Op: "upload", Message: "upload returned no file handle"}
	}
	return a, nil
}

func (p *sendPipeline) updatePending() {
	p.metrics.Pending.Set(float64(p.cache.PendingCount()))
}

func validateDraft(d Draft) error {
	switch {
	case d.ConversationID == "":
		return &Error{Kind: KindValidation, Op: "send", Message: "conversation id is required"}
	case d.Type != "" && d.Type != MessageText && d.Type != MessageFile:
		return &Error{Kind: KindValidation, Op: "send", Message: "unknown message type " + string(d.Type)}
	case strings.TrimSpace(d.Text) == "" && len(d.Attachments) == 0 && d.File == nil:
		return &Error{Kind: KindValidation, Op: "send", Message: "message is empty"}
	}
	return nil
}
