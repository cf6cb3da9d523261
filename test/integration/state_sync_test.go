//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
	"github.com/eliteGoblin/focusd/flowagent/internal/infra"
	"github.com/eliteGoblin/focusd/flowagent/internal/policy"
	"github.com/eliteGoblin/focusd/flowagent/internal/schema"
	"github.com/eliteGoblin/focusd/flowagent/internal/usecase"
	"github.com/eliteGoblin/focusd/flowagent/test/fixtures"
)

// controller is the background side: its own store handle on the shared
// database, serving a local transport.
type controller struct {
	kv         *infra.EncryptedKVStore
	store      *usecase.StateStore
	transport  *infra.LocalTransport
	reconciler *usecase.Reconciler
	handler    *usecase.RequestHandler
	timer      *usecase.FocusTimer
	cancel     context.CancelFunc
}

func openStore(dir string, key []byte) *infra.EncryptedKVStore {
	kv, err := infra.NewEncryptedKVStore(dir, key, zap.NewNop())
	Expect(err).NotTo(HaveOccurred())
	return kv
}

func newController(dir string, key []byte, clock clockwork.Clock) *controller {
	logger := zap.NewNop()
	kv := openStore(dir, key)
	engine := schema.NewEngine(schema.Options{Clock: clock})
	transport := infra.NewLocalTransport()
	sched := fixtures.NewManualScheduler()
	renderer := fixtures.NewFakeRenderer()
	catalog, err := usecase.LoadCatalog("")
	Expect(err).NotTo(HaveOccurred())

	store := usecase.NewStateStore(kv, engine, transport, nil, logger)
	timer := usecase.NewFocusTimer(store, sched, renderer, catalog, clock, usecase.FocusTimerConfig{
		TickInterval: time.Second,
		PollInterval: time.Hour,
	}, logger)
	gate := usecase.NewDistractionGate(store, kv, sched, fixtures.NewFakeNavigator(), clock, usecase.DefaultGateConfig(), logger)
	exercise := usecase.NewExerciseReminder(store, sched, renderer, catalog, clock, logger)

	return &controller{
		kv:         kv,
		store:      store,
		transport:  transport,
		reconciler: usecase.NewReconciler(kv, store, policy.NewUIPolicy(), logger),
		handler:    usecase.NewRequestHandler(store, policy.NewRegistry(), timer, gate, exercise, nil, nil, logger),
		timer:      timer,
	}
}

func (c *controller) start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	Expect(c.store.EnsureHydrated(ctx)).To(Succeed())
	Expect(c.transport.Serve(ctx, c.handler.Handle)).To(Succeed())
	go func() {
		defer GinkgoRecover()
		_ = c.reconciler.Run(ctx)
	}()
}

func (c *controller) stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.timer.Close()
	Expect(c.kv.Close()).To(Succeed())
}

// foreground opens a second store handle, the way a client process does.
func foreground(dir string, key []byte, transport domain.Transport, clock clockwork.Clock) (*usecase.Client, *infra.EncryptedKVStore) {
	kv := openStore(dir, key)
	engine := schema.NewEngine(schema.Options{Clock: clock})
	client := usecase.NewClient(transport, nil, kv, engine, nil, nil, usecase.DefaultClientConfig(), zap.NewNop())
	return client, kv
}

var _ = Describe("Shared state across writers", func() {
	var (
		dir   string
		key   []byte
		clock clockwork.Clock
		ctl   *controller
		ctx   context.Context
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		var err error
		key, err = infra.GenerateKey()
		Expect(err).NotTo(HaveOccurred())
		clock = clockwork.NewRealClock()
		ctx = context.Background()
		ctl = newController(dir, key, clock)
	})

	AfterEach(func() {
		ctl.stop()
	})

	Context("when the controller runs", func() {
		BeforeEach(func() {
			ctl.start()
		})

		It("routes client writes through the controller and persists them", func() {
			client, kv := foreground(dir, key, ctl.transport, clock)
			defer kv.Close()

			delta, err := client.StartSession(ctx, "write the quarterly report", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(delta).To(HaveKeyWithValue(schema.KeyIsInFlow, true))

			stored, err := kv.Get(ctx, schema.KeyTask, schema.KeyExpectedEndTime)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(stored[schema.KeyTask])).To(Equal(`"write the quarterly report"`))
			Expect(stored).To(HaveKey(schema.KeyExpectedEndTime))
		})

		It("absorbs a direct storage write made after a controller write", func() {
			_, err := ctl.store.Update(ctx, domain.Patch{schema.KeyTask: "first"})
			Expect(err).NotTo(HaveOccurred())

			offline, kv := foreground(dir, key, infra.NewLocalTransport(), clock)
			defer kv.Close()
			_, err = offline.UpdateState(ctx, domain.Patch{
				schema.KeyTask:     "second",
				schema.KeyIsInFlow: true,
			})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func(g Gomega) {
				s, err := ctl.store.Get(ctx)
				g.Expect(err).NotTo(HaveOccurred())
				g.Expect(s.Task).To(Equal("second"))
				g.Expect(s.IsInFlow).To(BeTrue())
				g.Expect(s.ExpectedEndTime).NotTo(BeNil(), "derived fields are filled in")
			}).WithTimeout(5 * time.Second).WithPolling(50 * time.Millisecond).Should(Succeed())
		})

		It("keeps a controller write made after a direct storage write", func() {
			offline, kv := foreground(dir, key, infra.NewLocalTransport(), clock)
			defer kv.Close()
			_, err := offline.UpdateState(ctx, domain.Patch{schema.KeyTask: "offline"})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() string {
				s, _ := ctl.store.Get(ctx)
				return s.Task
			}).WithTimeout(5 * time.Second).WithPolling(50 * time.Millisecond).Should(Equal("offline"))

			_, err = ctl.store.Update(ctx, domain.Patch{schema.KeyTask: "controller"})
			Expect(err).NotTo(HaveOccurred())

			Consistently(func() string {
				s, _ := ctl.store.Get(ctx)
				return s.Task
			}).WithTimeout(500 * time.Millisecond).WithPolling(50 * time.Millisecond).Should(Equal("controller"))

			fields, err := offline.GetState(ctx, schema.KeyTask)
			Expect(err).NotTo(HaveOccurred())
			Expect(fields).To(HaveKeyWithValue(schema.KeyTask, "controller"))
		})

		It("corrects invalid values written around the controller", func() {
			_, kv := foreground(dir, key, nil, clock)
			defer kv.Close()
			Expect(kv.Set(ctx, map[string]json.RawMessage{
				schema.KeyDistractingSites: json.RawMessage(`["WWW.News.Example.com/story", "not a host"]`),
			})).To(Succeed())

			Eventually(func() []string {
				s, _ := ctl.store.Get(ctx)
				return s.DistractingSites
			}).WithTimeout(5 * time.Second).WithPolling(50 * time.Millisecond).Should(Equal([]string{"news.example.com"}))
		})
	})

	Context("when the controller is not running", func() {
		It("falls back to storage and hydrates the controller from it later", func() {
			offline, kv := foreground(dir, key, infra.NewLocalTransport(), clock)
			defer kv.Close()

			_, err := offline.UpdateState(ctx, domain.Patch{
				schema.KeyDistractionGateEnabled: true,
				schema.KeyDistractingSites:       []string{"video.example.com"},
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = offline.Justify(ctx, "tab-1", "checking the release notes")
			Expect(err).To(MatchError(usecase.ErrTryAgain))

			ctl.start()
			s, err := ctl.store.Get(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.DistractionGateEnabled).To(BeTrue())
			Expect(s.DistractingSites).To(ConsistOf("video.example.com"))
		})
	})
})
