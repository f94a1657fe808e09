package e2e_test

import (
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bitflow/flowproxy/citest/testutil"
	"github.com/bitflow/flowproxy/internal/relay"
)

// contentText joins the text of every content event.
func contentText(events []relay.Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == relay.EventContent {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

var _ = Describe("Flow Workflows", func() {
	var sessionID string

	BeforeEach(func() {
		sessionID = testutil.NewSessionID()
		upstream.Reset()
	})

	Describe("Streaming turns", func() {
		It("should stream start, content and complete events", func() {
			events, err := client.RunFlow(ctx, sessionID, "Draw the order flow")
			Expect(err).NotTo(HaveOccurred())
			Expect(len(events)).To(BeNumerically(">=", 3))

			Expect(events[0].Type).To(Equal(relay.EventStart))
			last := events[len(events)-1]
			Expect(last.Type).To(Equal(relay.EventComplete))
			Expect(last.FullText).To(Equal(contentText(events)))
			Expect(last.TotalChunks).To(Equal(len(events) - 2))

			for i, ev := range events[1 : len(events)-1] {
				Expect(ev.Type).To(Equal(relay.EventContent))
				Expect(ev.Sequence).To(Equal(i + 1))
			}
		})

		It("should send the configured model and headers upstream", func() {
			_, err := client.RunFlow(ctx, sessionID, "Draw the order flow")
			Expect(err).NotTo(HaveOccurred())

			req, ok := upstream.LastRequest()
			Expect(ok).To(BeTrue())
			Expect(req.Model).To(Equal("claude-mock"))
			Expect(req.MaxTokens).To(Equal(1024))
			Expect(req.Stream).To(BeTrue())
			Expect(req.Header.Get("x-api-key")).To(Equal("test-key"))
			Expect(req.Header.Get("anthropic-version")).To(Equal("2023-06-01"))
			Expect(req.User).To(Equal("Draw the order flow"))
		})

		It("should use the generation prompt first and the modification prompt after", func() {
			_, err := client.RunFlow(ctx, sessionID, "Draw the order flow")
			Expect(err).NotTo(HaveOccurred())
			first, _ := upstream.LastRequest()
			Expect(first.System).To(Equal(testutil.TestGenerationPrompt))

			snap, err := client.GetSession(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.HasArtifact).To(BeTrue())
			Expect(snap.CachedArtifact).To(HavePrefix("<mxfile>"))
			Expect(snap.CachedArtifact).To(HaveSuffix("</mxfile>"))

			events, err := client.RunFlow(ctx, sessionID, "Add an approval step")
			Expect(err).NotTo(HaveOccurred())
			second, _ := upstream.LastRequest()
			Expect(second.System).To(HavePrefix("MODIFY this diagram:"))
			Expect(second.System).To(ContainSubstring(snap.CachedArtifact))
			Expect(contentText(events)).To(ContainSubstring("Approve order"))

			snap, err = client.GetSession(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.TurnCount).To(Equal(2))
			Expect(snap.CachedArtifact).To(ContainSubstring("Approve order"))
		})

		It("should fall back to generation when no artifact was produced", func() {
			_, err := client.RunFlow(ctx, sessionID, "hello")
			Expect(err).NotTo(HaveOccurred())

			_, err = client.RunFlow(ctx, sessionID, "hello again")
			Expect(err).NotTo(HaveOccurred())

			req, _ := upstream.LastRequest()
			Expect(req.System).To(Equal(testutil.TestGenerationPrompt))
		})

		It("should keep sessions independent", func() {
			other := testutil.NewSessionID()

			_, err := client.RunFlow(ctx, sessionID, "Draw the order flow")
			Expect(err).NotTo(HaveOccurred())
			_, err = client.RunFlow(ctx, other, "Add an approval step")
			Expect(err).NotTo(HaveOccurred())

			req, _ := upstream.LastRequest()
			Expect(req.System).To(Equal(testutil.TestGenerationPrompt))
		})
	})

	Describe("Upstream failures", func() {
		It("should report an HTTP error as an error event and keep the cache", func() {
			_, err := client.RunFlow(ctx, sessionID, "Draw the order flow")
			Expect(err).NotTo(HaveOccurred())
			before, _ := client.GetSession(ctx, sessionID)

			events, err := client.RunFlow(ctx, sessionID, "overload please")
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(2))
			Expect(events[1].Type).To(Equal(relay.EventError))
			Expect(events[1].Err).To(ContainSubstring("HTTP 429"))
			Expect(events[1].HadPartialContent).To(BeFalse())

			after, _ := client.GetSession(ctx, sessionID)
			Expect(after.CachedArtifact).To(Equal(before.CachedArtifact))
		})

		It("should map a dropped connection to the interruption message", func() {
			events, err := client.RunFlow(ctx, sessionID, "unstable network")
			Expect(err).NotTo(HaveOccurred())

			last := events[len(events)-1]
			Expect(last.Type).To(Equal(relay.EventError))
			Expect(last.Err).To(Equal(relay.ConnectionInterruptedMessage))
			Expect(last.ChunkCount).To(Equal(1))
			Expect(last.HadPartialContent).To(BeTrue())
		})
	})

	Describe("Request validation", func() {
		It("should reject an empty prompt", func() {
			resp, err := client.Put(ctx, "/sessions/"+sessionID+"/flows", map[string]string{"user_prompt": "   "})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(resp.ErrorCode()).To(Equal("INVALID_REQUEST"))
			Expect(upstream.Requests()).To(BeEmpty())
		})

		It("should return 404 for an unknown session", func() {
			resp, err := client.Get(ctx, "/sessions/"+sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("Non-streaming turns", func() {
		It("should return the whole response and cache the artifact", func() {
			res, err := client.GenerateFlow(ctx, sessionID, "Draw the order flow")
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())
			Expect(res.Content).To(ContainSubstring("<mxfile>"))
			Expect(res.ActualPrompt).To(Equal(testutil.TestGenerationPrompt))

			req, _ := upstream.LastRequest()
			Expect(req.Stream).To(BeFalse())

			snap, err := client.GetSession(ctx, sessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.HasArtifact).To(BeTrue())
		})
	})

	Describe("History", func() {
		It("should record completed turns with line counts", func() {
			_, err := client.RunFlow(ctx, sessionID, "Draw the order flow")
			Expect(err).NotTo(HaveOccurred())
			_, err = client.RunFlow(ctx, sessionID, "Add an approval step")
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int {
				reqs, _ := client.ListFlows(ctx, sessionID, 0)
				return len(reqs)
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(2))

			reqs, err := client.ListFlows(ctx, sessionID, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(reqs[0].IsInitial).To(BeTrue())
			Expect(reqs[1].IsInitial).To(BeFalse())
			Expect(reqs[1].LinesAdded).To(BeNumerically(">=", 1))
		})
	})

	Describe("Event stream", func() {
		It("should publish turn lifecycle events for the session", func() {
			sse := testutil.NewSSEClient(testServer.BaseURL)
			Expect(sse.Connect(ctx, "/events?sessionID="+sessionID)).To(Succeed())
			defer sse.Close()

			_, err := client.RunFlow(ctx, sessionID, "Draw the order flow")
			Expect(err).NotTo(HaveOccurred())

			evt, err := sse.WaitForEvent("turn.completed", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(evt.SessionID()).To(Equal(sessionID))
		})
	})
})
