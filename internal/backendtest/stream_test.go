package backendtest_test

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/servicehub/convsync/internal/backendtest"
)

var _ = Describe("Stream endpoint", func() {
	var srv *backendtest.Server

	BeforeEach(func() {
		srv = backendtest.New()
		DeferCleanup(srv.Close)
		srv.AddParty("tok-u", backendtest.Party{ID: "u-1", Side: "user"})
	})

	readFrame := func(ctx context.Context, conn *websocket.Conn) map[string]any {
		_, data, err := conn.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		var f map[string]any
		Expect(json.Unmarshal(data, &f)).To(Succeed())
		return f
	}

	It("completes the upgrade and greets with ready", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, srv.URL+"/ws?token=tok-u", nil)
		Expect(err).NotTo(HaveOccurred())
		defer conn.CloseNow()

		Expect(readFrame(ctx, conn)).To(HaveKeyWithValue("type", "ready"))
		Eventually(srv.Sockets).Should(Equal(1))
	})

	It("rejects an unknown token with an error frame", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, srv.URL+"/ws?token=nope", nil)
		Expect(err).NotTo(HaveOccurred())
		defer conn.CloseNow()

		Expect(readFrame(ctx, conn)).To(HaveKeyWithValue("type", "error"))
		_, _, err = conn.Read(ctx)
		Expect(websocket.CloseStatus(err)).To(Equal(websocket.StatusPolicyViolation))
		Expect(srv.Sockets()).To(BeZero())
	})

	It("delivers injected messages to joined sockets", func() {
		conv := srv.CreateConversation("u-1", "v-1")
		Expect(srv.Members(conv)).To(BeZero())

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, srv.URL+"/ws?token=tok-u", nil)
		Expect(err).NotTo(HaveOccurred())
		defer conn.CloseNow()
		Expect(readFrame(ctx, conn)).To(HaveKeyWithValue("type", "ready"))

		join, _ := json.Marshal(map[string]string{"type": "join", "conversationId": conv})
		Expect(conn.Write(ctx, websocket.MessageText, join)).To(Succeed())
		Eventually(func() int { return srv.Members(conv) }).Should(Equal(1))

		srv.Inject(conv, "vendor", "hi")
		f := readFrame(ctx, conn)
		Expect(f).To(HaveKeyWithValue("type", "message"))
		Expect(f).To(HaveKeyWithValue("conversationId", conv))
	})
})
