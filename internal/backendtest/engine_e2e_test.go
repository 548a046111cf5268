package backendtest_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/servicehub/convsync"
	"github.com/servicehub/convsync/internal/backendtest"
)

const (
	userToken   = "tok-user"
	vendorToken = "tok-vendor"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) handle(event string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func texts(msgs []convsync.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

var _ = Describe("Engine against the fake backend", func() {
	var (
		srv    *backendtest.Server
		convID string
		ctx    context.Context
		cancel context.CancelFunc
		quiet  *slog.Logger
	)

	newEngine := func(token string, side convsync.Side, tune func(*convsync.Config)) *convsync.Engine {
		cfg := convsync.DefaultConfig()
		cfg.Engine.SendTimeout = convsync.Duration(2 * time.Second)
		if tune != nil {
			tune(cfg)
		}
		client := convsync.NewClient(convsync.WithBaseURL(srv.URL), convsync.WithToken(token))
		stream := convsync.NewStreamClient(srv.URL, convsync.StreamConfig{
			Token:                token,
			AutoReconnect:        true,
			MaxReconnectAttempts: -1,
			ReconnectBaseDelay:   10 * time.Millisecond,
			ReconnectMaxDelay:    50 * time.Millisecond,
			Logger:               quiet,
		})
		eng, err := convsync.New(convsync.Options{
			Side:   side,
			API:    client,
			Stream: stream,
			Logger: quiet,
			Config: cfg,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(eng.Start(ctx)).To(Succeed())
		DeferCleanup(eng.Close)
		return eng
	}

	BeforeEach(func() {
		quiet = slog.New(slog.NewTextHandler(io.Discard, nil))
		srv = backendtest.New()
		srv.AddParty(userToken, backendtest.Party{ID: "u-1", Side: "user"})
		srv.AddParty(vendorToken, backendtest.Party{ID: "v-1", Side: "vendor"})
		convID = srv.CreateConversation("u-1", "v-1")
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	})

	AfterEach(func() {
		cancel()
		srv.Close()
	})

	Context("sending", func() {
		It("shows exactly one message after the response and the stream echo", func() {
			eng := newEngine(userToken, convsync.SideUser, nil)
			Expect(eng.Open(ctx, convID)).To(Succeed())
			Eventually(func() int { return srv.Members(convID) }).Should(Equal(1))

			sent, err := eng.Send(ctx, convsync.Draft{ConversationID: convID, Type: convsync.MessageText, Text: "hello"})
			Expect(err).NotTo(HaveOccurred())
			Expect(sent.Pending()).To(BeFalse())
			Expect(sent.ClientMessageID).To(HavePrefix(convsync.TokenPrefix))

			Consistently(func() []string { return texts(eng.Messages(convID)) }, 200*time.Millisecond).
				Should(Equal([]string{"hello"}))
			Expect(eng.Messages(convID)[0].ID).To(Equal(sent.ID))
		})

		It("ignores duplicate stream delivery", func() {
			srv.SetDuplicateDelivery(true)
			eng := newEngine(userToken, convsync.SideUser, nil)
			Expect(eng.Open(ctx, convID)).To(Succeed())
			Eventually(func() int { return srv.Members(convID) }).Should(Equal(1))

			_, err := eng.Send(ctx, convsync.Draft{ConversationID: convID, Type: convsync.MessageText, Text: "once"})
			Expect(err).NotTo(HaveOccurred())
			srv.Inject(convID, "vendor", "twice")

			Eventually(func() []string { return texts(eng.Messages(convID)) }).Should(Equal([]string{"once", "twice"}))
			Consistently(func() int { return len(eng.Messages(convID)) }, 200*time.Millisecond).Should(Equal(2))
		})

		It("removes the optimistic entry when the backend rejects the send", func() {
			eng := newEngine(userToken, convsync.SideUser, nil)
			Expect(eng.Open(ctx, convID)).To(Succeed())

			var rec recorder
			eng.On(convsync.EventMessageFailed, rec.handle)
			srv.FailNextSends(http.StatusInternalServerError)

			_, err := eng.Send(ctx, convsync.Draft{ConversationID: convID, Type: convsync.MessageText, Text: "lost"})
			Expect(err).To(MatchError(convsync.ErrNetwork))
			Expect(eng.Messages(convID)).To(BeEmpty())
			Expect(rec.seen()).To(ConsistOf(convsync.EventMessageFailed))
			Expect(srv.Messages(convID)).To(BeEmpty())
		})

		It("fails a send the backend never answers within the send timeout", func() {
			eng := newEngine(userToken, convsync.SideUser, func(c *convsync.Config) {
				c.Engine.SendTimeout = convsync.Duration(100 * time.Millisecond)
			})
			Expect(eng.Open(ctx, convID)).To(Succeed())
			srv.SetSendDelay(time.Second)

			_, err := eng.Send(ctx, convsync.Draft{ConversationID: convID, Type: convsync.MessageText, Text: "slow"})
			Expect(convsync.KindOf(err)).To(Equal(convsync.KindTimeout))
			Expect(eng.Messages(convID)).To(BeEmpty())
		})

		It("uploads a file before posting it", func() {
			eng := newEngine(userToken, convsync.SideUser, nil)
			Expect(eng.Open(ctx, convID)).To(Succeed())

			sent, err := eng.Send(ctx, convsync.Draft{
				ConversationID: convID,
				Type:           convsync.MessageFile,
				File:           &convsync.FileUpload{Name: "invoice.pdf", Data: []byte("%PDF-1.4")},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(sent.Type).To(Equal(convsync.MessageFile))
			Expect(sent.Attachments).To(HaveLen(1))
			Expect(sent.Attachments[0].FileID).NotTo(BeEmpty())
			Expect(sent.Attachments[0].Name).To(Equal("invoice.pdf"))
		})

		It("does not touch the timeline when the upload fails", func() {
			eng := newEngine(userToken, convsync.SideUser, nil)
			Expect(eng.Open(ctx, convID)).To(Succeed())
			srv.FailNextUploads(1)

			_, err := eng.Send(ctx, convsync.Draft{
				ConversationID: convID,
				Type:           convsync.MessageFile,
				File:           &convsync.FileUpload{Name: "a.png", Data: []byte{0x89, 'P', 'N', 'G'}},
			})
			Expect(convsync.KindOf(err)).To(Equal(convsync.KindUpload))
			Expect(eng.Messages(convID)).To(BeEmpty())
			Expect(srv.Messages(convID)).To(BeEmpty())
		})
	})

	Context("realtime", func() {
		It("delivers counterpart messages in legacy shapes", func() {
			srv.SetLegacyShapes(true)
			eng := newEngine(userToken, convsync.SideUser, nil)
			Expect(eng.Open(ctx, convID)).To(Succeed())
			Eventually(func() int { return srv.Members(convID) }).Should(Equal(1))

			srv.Inject(convID, "vendor", "from the shop")
			Eventually(func() []string { return texts(eng.Messages(convID)) }).Should(Equal([]string{"from the shop"}))
			Expect(eng.Messages(convID)[0].Sender).To(Equal(convsync.SideVendor))
		})

		It("stops applying a conversation after switching away", func() {
			other := srv.CreateConversation("u-1", "v-2")
			eng := newEngine(userToken, convsync.SideUser, nil)
			Expect(eng.Open(ctx, convID)).To(Succeed())
			Expect(eng.Open(ctx, other)).To(Succeed())
			Eventually(func() int { return srv.Members(convID) }).Should(Equal(0))
			Eventually(func() int { return srv.Members(other) }).Should(Equal(1))

			srv.Inject(convID, "vendor", "elsewhere")
			srv.Inject(other, "vendor", "here")
			Eventually(func() []string { return texts(eng.Messages(other)) }).Should(Equal([]string{"here"}))
			Expect(eng.Messages(convID)).To(BeEmpty())
		})

		It("heals missed messages after the stream drops", func() {
			eng := newEngine(userToken, convsync.SideUser, nil)
			var rec recorder
			eng.On(convsync.EventStreamReconnect, rec.handle)
			Expect(eng.Open(ctx, convID)).To(Succeed())
			Eventually(func() int { return srv.Members(convID) }).Should(Equal(1))

			srv.AppendSilently(convID, "vendor", "missed while offline")
			srv.DropConnections()

			Eventually(rec.seen).Should(ContainElement(convsync.EventStreamReconnect))
			Eventually(func() []string { return texts(eng.Messages(convID)) }).
				Should(Equal([]string{"missed while offline"}))
			Eventually(func() int { return srv.Members(convID) }).Should(Equal(1))

			srv.Inject(convID, "vendor", "back online")
			Eventually(func() []string { return texts(eng.Messages(convID)) }).
				Should(Equal([]string{"missed while offline", "back online"}))
		})
	})

	Context("read receipts", func() {
		It("marks the user's message read once the vendor reads the conversation", func() {
			user := newEngine(userToken, convsync.SideUser, nil)
			vendor := newEngine(vendorToken, convsync.SideVendor, nil)
			Expect(user.Open(ctx, convID)).To(Succeed())
			Eventually(func() int { return srv.Members(convID) }).Should(Equal(1))

			sent, err := user.Send(ctx, convsync.Draft{ConversationID: convID, Type: convsync.MessageText, Text: "quote please"})
			Expect(err).NotTo(HaveOccurred())
			Expect(user.ReadStatus(sent)).To(Equal(convsync.ReadStateSent))

			Expect(vendor.Open(ctx, convID)).To(Succeed())
			Expect(vendor.Messages(convID)).To(HaveLen(1))
			Expect(vendor.MarkRead(ctx, convID)).To(Succeed())

			Eventually(func() convsync.ReadState { return user.ReadStatus(sent) }).Should(Equal(convsync.ReadStateRead))
			c, ok := vendor.Conversation(convID)
			Expect(ok).To(BeTrue())
			Expect(c.VendorLastReadAt).NotTo(BeZero())
		})
	})

	Context("auth", func() {
		It("rejects an unknown token on the stream and on the API", func() {
			stream := convsync.NewStreamClient(srv.URL, convsync.StreamConfig{Token: "nope", Logger: quiet})
			eng, err := convsync.New(convsync.Options{
				Side:   convsync.SideUser,
				API:    convsync.NewClient(convsync.WithBaseURL(srv.URL), convsync.WithToken("nope")),
				Stream: stream,
				Logger: quiet,
			})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(eng.Close)

			Expect(convsync.KindOf(eng.Start(ctx))).To(Equal(convsync.KindAuth))
			Expect(convsync.KindOf(eng.Open(ctx, convID))).To(Equal(convsync.KindAuth))
			Expect(srv.Sockets()).To(Equal(0))
		})
	})
})
