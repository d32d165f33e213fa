package deletion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcus-qen/hostwarden/internal/alerts"
)

type fakeOps struct {
	mu        sync.Mutex
	resolve   map[string]string
	deleteErr error
	deleted   []string
}

func (f *fakeOps) Resolve(_ context.Context, p string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.resolve[p]; ok {
		return r, nil
	}
	return "", fmt.Errorf("realpath: %s: No such file or directory", p)
}

func (f *fakeOps) Delete(_ context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, p)
	return nil
}

func (f *fakeOps) deletedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

var _ = Describe("Workflow", func() {
	const conv = "100:42"

	var (
		ops   *fakeOps
		clock time.Time
		wf    *Workflow
		ctx   context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		clock = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
		ops = &fakeOps{resolve: map[string]string{
			"/srv/downloads":           "/srv/downloads",
			"/srv/downloads/movie.mkv": "/srv/downloads/movie.mkv",
		}}
		policy, err := NewPolicy([]string{"/srv/downloads"})
		Expect(err).NotTo(HaveOccurred())
		wf = New(Config{
			Policy:     policy,
			Ops:        ops,
			SessionTTL: 10 * time.Minute,
			OfferTTL:   time.Hour,
			Topic:      "alerts",
			Now:        func() time.Time { return clock },
		})
	})

	propose := func(path string) Outcome {
		return wf.Handle(ctx, Event{Conversation: conv, Kind: KindPropose, Ref: wf.Offer(path)})
	}

	Describe("proposing", func() {
		It("opens a session awaiting confirmation with confirm and cancel buttons", func() {
			out := propose("/srv/downloads/movie.mkv")
			Expect(out.Changed).To(BeTrue())
			Expect(out.Session.State).To(Equal(StateAwaitingConfirmation))
			Expect(out.Session.ExpiresAt).To(Equal(clock.Add(10 * time.Minute)))
			Expect(out.Prompt.Buttons).To(HaveLen(1))
			Expect(out.Prompt.Buttons[0]).To(ConsistOf(
				Button{Label: "✅ Confirm", Data: ConfirmData(out.Session.ID)},
				Button{Label: "❌ Cancel", Data: CancelData(out.Session.ID)},
			))
			Expect(wf.Pending()).To(Equal(1))
		})

		It("rejects paths outside the allow-list without opening a session", func() {
			out := propose("/etc/passwd")
			Expect(out.Changed).To(BeFalse())
			Expect(out.Session).To(BeNil())
			Expect(out.Events).To(HaveLen(1))
			Expect(out.Events[0].Severity).To(Equal(alerts.SeverityCritical))
			_, ok := wf.Get(conv)
			Expect(ok).To(BeFalse())
		})

		It("reports an unknown or expired offer", func() {
			out := wf.Handle(ctx, Event{Conversation: conv, Kind: KindPropose, Ref: "nope"})
			Expect(out.Changed).To(BeFalse())
			Expect(out.Prompt.Text).To(ContainSubstring("/disk"))

			tok := wf.Offer("/srv/downloads/movie.mkv")
			clock = clock.Add(2 * time.Hour)
			out = wf.Handle(ctx, Event{Conversation: conv, Kind: KindPropose, Ref: tok})
			Expect(out.Changed).To(BeFalse())
		})

		It("reuses the token for a path already on offer", func() {
			Expect(wf.Offer("/srv/downloads/movie.mkv")).To(Equal(wf.Offer("/srv/downloads/movie.mkv")))
		})

		It("supersedes a pending session in the same conversation", func() {
			first := propose("/srv/downloads/movie.mkv")
			second := propose("/srv/downloads/movie.mkv")
			Expect(second.Session.ID).NotTo(Equal(first.Session.ID))

			out := wf.Handle(ctx, Event{Conversation: conv, Kind: KindConfirm, Ref: first.Session.ID})
			Expect(out.Changed).To(BeFalse())
			Expect(ops.deletedPaths()).To(BeEmpty())
		})
	})

	Describe("confirming", func() {
		It("deletes the path and completes", func() {
			s := propose("/srv/downloads/movie.mkv").Session
			out := wf.Handle(ctx, Event{Conversation: conv, Kind: KindConfirm, Ref: s.ID})
			Expect(out.Changed).To(BeTrue())
			Expect(out.Session.State).To(Equal(StateCompleted))
			Expect(ops.deletedPaths()).To(Equal([]string{"/srv/downloads/movie.mkv"}))
			Expect(out.Events).To(HaveLen(1))
			Expect(out.Events[0].Key).To(Equal(alerts.Key("deletion:" + s.ID + ":completed")))
			Expect(out.Events[0].Topic).To(Equal("alerts"))
		})

		It("blocks a path that resolves outside the allow-list through a symlink", func() {
			ops.resolve["/srv/downloads/link"] = "/etc"
			s := propose("/srv/downloads/link").Session

			out := wf.Handle(ctx, Event{Conversation: conv, Kind: KindConfirm, Ref: s.ID})
			Expect(out.Session.State).To(Equal(StateCancelled))
			Expect(ops.deletedPaths()).To(BeEmpty())
			Expect(out.Events).To(HaveLen(1))
			Expect(string(out.Events[0].Key)).To(HaveSuffix(":policy-violation"))
			Expect(out.Events[0].Severity).To(Equal(alerts.SeverityCritical))
		})

		It("blocks when the path can no longer be resolved", func() {
			s := propose("/srv/downloads/gone.mkv").Session
			out := wf.Handle(ctx, Event{Conversation: conv, Kind: KindConfirm, Ref: s.ID})
			Expect(out.Session.State).To(Equal(StateCancelled))
			Expect(ops.deletedPaths()).To(BeEmpty())
		})

		It("completes with a failure event when the delete command fails", func() {
			ops.deleteErr = errors.New("rm: permission denied")
			s := propose("/srv/downloads/movie.mkv").Session
			out := wf.Handle(ctx, Event{Conversation: conv, Kind: KindConfirm, Ref: s.ID})
			Expect(out.Session.State).To(Equal(StateCompleted))
			Expect(out.Session.Detail).To(ContainSubstring("permission denied"))
			Expect(out.Events).To(HaveLen(1))
			Expect(out.Events[0].Key).To(Equal(alerts.Key("deletion:" + s.ID + ":failed")))
		})

		It("treats a confirmation after the deadline as expiry", func() {
			s := propose("/srv/downloads/movie.mkv").Session
			clock = clock.Add(10 * time.Minute)
			out := wf.Handle(ctx, Event{Conversation: conv, Kind: KindConfirm, Ref: s.ID})
			Expect(out.Session.State).To(Equal(StateExpired))
			Expect(ops.deletedPaths()).To(BeEmpty())
		})

		It("ignores a second confirmation", func() {
			s := propose("/srv/downloads/movie.mkv").Session
			wf.Handle(ctx, Event{Conversation: conv, Kind: KindConfirm, Ref: s.ID})
			out := wf.Handle(ctx, Event{Conversation: conv, Kind: KindConfirm, Ref: s.ID})
			Expect(out.Changed).To(BeFalse())
			Expect(out.Events).To(BeEmpty())
			Expect(out.Notice).To(Equal("Already completed"))
			Expect(ops.deletedPaths()).To(HaveLen(1))
		})

		It("deletes once when confirmations race", func() {
			s := propose("/srv/downloads/movie.mkv").Session
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					wf.Handle(ctx, Event{Conversation: conv, Kind: KindConfirm, Ref: s.ID})
				}()
			}
			wg.Wait()
			Expect(ops.deletedPaths()).To(HaveLen(1))
		})
	})

	Describe("cancelling and expiry", func() {
		It("cancels without side effects", func() {
			s := propose("/srv/downloads/movie.mkv").Session
			out := wf.Handle(ctx, Event{Conversation: conv, Kind: KindCancel, Ref: s.ID})
			Expect(out.Session.State).To(Equal(StateCancelled))

			out = wf.Handle(ctx, Event{Conversation: conv, Kind: KindConfirm, Ref: s.ID})
			Expect(out.Changed).To(BeFalse())
			Expect(ops.deletedPaths()).To(BeEmpty())
		})

		It("expires sessions past their deadline", func() {
			s := propose("/srv/downloads/movie.mkv").Session

			Expect(wf.Expire(clock.Add(9 * time.Minute))).To(BeEmpty())
			outs := wf.Expire(clock.Add(10 * time.Minute))
			Expect(outs).To(HaveLen(1))
			Expect(outs[0].Session.Conversation).To(Equal(conv))
			Expect(outs[0].Session.State).To(Equal(StateExpired))
			Expect(outs[0].Prompt.Text).To(ContainSubstring("expired"))

			out := wf.Handle(ctx, Event{Conversation: conv, Kind: KindConfirm, Ref: s.ID})
			Expect(out.Changed).To(BeFalse())
			Expect(ops.deletedPaths()).To(BeEmpty())
		})

		It("prunes terminal sessions and stale offers", func() {
			s := propose("/srv/downloads/movie.mkv").Session
			wf.Handle(ctx, Event{Conversation: conv, Kind: KindCancel, Ref: s.ID})

			wf.Expire(clock.Add(10 * time.Minute))
			_, ok := wf.Get(conv)
			Expect(ok).To(BeFalse())

			tok := wf.Offer("/srv/downloads/other")
			wf.Expire(clock.Add(2 * time.Hour))
			Expect(wf.Offer("/srv/downloads/other")).NotTo(Equal(tok))
		})
	})
})
