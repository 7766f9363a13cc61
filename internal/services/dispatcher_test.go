package services_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tzwfy520/MultiProtCollector-SSH/internal/models"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/services"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/store"
	"github.com/tzwfy520/MultiProtCollector-SSH/pkg/transport"
)

type fakePublisher struct {
	mu          sync.Mutex
	assignments []*transport.Assignment
	fail        bool
}

func (f *fakePublisher) Publish(_ context.Context, _ string, assignment *transport.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	f.assignments = append(f.assignments, assignment)
	return nil
}

func (f *fakePublisher) published() []*transport.Assignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transport.Assignment(nil), f.assignments...)
}

func (f *fakePublisher) byCollector() map[string]int {
	counts := map[string]int{}
	for _, a := range f.published() {
		counts[a.CollectorID]++
	}
	return counts
}

var _ = Describe("Dispatcher", func() {
	var (
		ctx        context.Context
		db         *sql.DB
		s          *store.Store
		registry   *services.Registry
		taskSrv    *services.TaskService
		publisher  *fakePublisher
		dispatcher *services.Dispatcher
	)

	BeforeEach(func() {
		ctx = context.Background()

		s, db = newTestStore(ctx)
		registry = services.NewRegistry(s)
		taskSrv = services.NewTaskService(s)
		publisher = &fakePublisher{}
		dispatcher = services.NewDispatcher(registry, s, publisher, services.DispatcherConfig{
			Interval:              time.Second,
			HighPriorityThreshold: 8,
			HandoffBackoff:        time.Minute,
		})
	})

	AfterEach(func() {
		if db != nil {
			_ = db.Close()
		}
	})

	submit := func(priority int) *models.Task {
		t, err := taskSrv.Submit(ctx, newTask(priority))
		Expect(err).NotTo(HaveOccurred())
		return t
	}

	Describe("capacity", func() {
		It("should assign up to maxConcurrent and leave the rest pending", func() {
			Expect(registry.Register(ctx, newCollector("c1", 2))).To(Succeed())

			t1 := submit(5)
			t2 := submit(5)
			t3 := submit(5)

			Expect(dispatcher.Pass(ctx)).To(Succeed())

			collector, err := registry.Get(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(collector.CurrentLoad).To(Equal(2))

			first, err := taskSrv.Get(ctx, t1.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Status).To(Equal(models.TaskStatusAssigned))

			second, err := taskSrv.Get(ctx, t2.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Status).To(Equal(models.TaskStatusAssigned))

			third, err := taskSrv.Get(ctx, t3.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(third.Status).To(Equal(models.TaskStatusPending))

			Expect(publisher.published()).To(HaveLen(2))
		})

		It("should pick up the remainder once capacity frees", func() {
			Expect(registry.Register(ctx, newCollector("c1", 1))).To(Succeed())

			t1 := submit(5)
			t2 := submit(5)

			Expect(dispatcher.Pass(ctx)).To(Succeed())
			Expect(dispatcher.Pass(ctx)).To(Succeed())

			second, err := taskSrv.Get(ctx, t2.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Status).To(Equal(models.TaskStatusPending))

			first, err := taskSrv.Get(ctx, t1.ID)
			Expect(err).NotTo(HaveOccurred())
			result := &models.TaskResult{
				TaskID:      t1.ID,
				CollectorID: "c1",
				Attempt:     first.Attempt,
				Success:     true,
				ReceivedAt:  time.Now(),
			}
			result.ID = "r1"
			Expect(s.Tasks().Complete(ctx, first, result, time.Now())).To(Succeed())

			Expect(dispatcher.Pass(ctx)).To(Succeed())

			second, err = taskSrv.Get(ctx, t2.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Status).To(Equal(models.TaskStatusAssigned))
		})
	})

	Describe("placement", func() {
		BeforeEach(func() {
			Expect(registry.Register(ctx, newCollector("c1", 4))).To(Succeed())
			Expect(registry.Register(ctx, newCollector("c2", 4))).To(Succeed())
		})

		It("should send high-priority tasks to the least-loaded collector", func() {
			Expect(registry.Reserve(ctx, "c1")).To(Succeed())

			submit(9)
			Expect(dispatcher.Pass(ctx)).To(Succeed())

			assignments := publisher.published()
			Expect(assignments).To(HaveLen(1))
			Expect(assignments[0].CollectorID).To(Equal("c2"))
		})

		It("should spread low-priority tasks round-robin", func() {
			submit(3)
			submit(3)
			submit(3)
			submit(3)

			Expect(dispatcher.Pass(ctx)).To(Succeed())

			counts := publisher.byCollector()
			Expect(counts["c1"]).To(Equal(2))
			Expect(counts["c2"]).To(Equal(2))
		})

		It("should serve higher priorities first", func() {
			low := submit(2)
			high := submit(9)

			Expect(registry.Reserve(ctx, "c1")).To(Succeed())
			Expect(registry.Reserve(ctx, "c1")).To(Succeed())
			Expect(registry.Reserve(ctx, "c1")).To(Succeed())
			Expect(registry.Reserve(ctx, "c1")).To(Succeed())
			Expect(registry.Reserve(ctx, "c2")).To(Succeed())
			Expect(registry.Reserve(ctx, "c2")).To(Succeed())
			Expect(registry.Reserve(ctx, "c2")).To(Succeed())

			// One slot left in the fleet: the priority 9 task must get it.
			Expect(dispatcher.Pass(ctx)).To(Succeed())

			got, err := taskSrv.Get(ctx, high.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusAssigned))

			got, err = taskSrv.Get(ctx, low.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusPending))
		})

		It("should only consider collectors with the required capabilities", func() {
			Expect(registry.Register(ctx, newCollector("c3", 4, "huawei"))).To(Succeed())

			t := newTask(5)
			t.RequiredCapabilities = []string{"huawei"}
			_, err := taskSrv.Submit(ctx, t)
			Expect(err).NotTo(HaveOccurred())

			Expect(dispatcher.Pass(ctx)).To(Succeed())

			assignments := publisher.published()
			Expect(assignments).To(HaveLen(1))
			Expect(assignments[0].CollectorID).To(Equal("c3"))
		})

		It("should leave a task pending when nothing is eligible", func() {
			t := newTask(5)
			t.RequiredCapabilities = []string{"juniper"}
			submitted, err := taskSrv.Submit(ctx, t)
			Expect(err).NotTo(HaveOccurred())

			Expect(dispatcher.Pass(ctx)).To(Succeed())

			got, err := taskSrv.Get(ctx, submitted.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusPending))
			Expect(publisher.published()).To(BeEmpty())
		})
	})

	Describe("concurrent passes", func() {
		It("should never double-assign a task", func() {
			Expect(registry.Register(ctx, newCollector("c1", 8))).To(Succeed())
			Expect(registry.Register(ctx, newCollector("c2", 8))).To(Succeed())

			for i := 0; i < 8; i++ {
				submit(3)
			}

			// Two passes race on the round-robin cursor and on the task
			// rows. A pass may lose a storage-level write conflict to its
			// peer; what must hold is that no task is handed off twice.
			var wg sync.WaitGroup
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer GinkgoRecover()
					_ = dispatcher.Pass(ctx)
				}()
			}
			wg.Wait()

			tasks, err := taskSrv.List(ctx)
			Expect(err).NotTo(HaveOccurred())

			assigned := 0
			for _, t := range tasks {
				Expect(t.Attempt).To(BeNumerically("<=", 1))
				if t.Status == models.TaskStatusAssigned {
					assigned++
				}
			}
			Expect(publisher.published()).To(HaveLen(assigned))

			c1, err := registry.Get(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			c2, err := registry.Get(ctx, "c2")
			Expect(err).NotTo(HaveOccurred())
			Expect(c1.CurrentLoad + c2.CurrentLoad).To(Equal(assigned))
		})
	})

	Describe("assignment payload", func() {
		It("should carry the attempt, commands and credential reference", func() {
			Expect(registry.Register(ctx, newCollector("c1", 1))).To(Succeed())
			submitted := submit(5)

			Expect(dispatcher.Pass(ctx)).To(Succeed())

			assignments := publisher.published()
			Expect(assignments).To(HaveLen(1))
			Expect(assignments[0].TaskID).To(Equal(submitted.ID))
			Expect(assignments[0].Attempt).To(Equal(1))
			Expect(assignments[0].Commands).To(Equal(submitted.Commands))
			Expect(assignments[0].CredentialRef).To(Equal(submitted.CredentialRef))
			Expect(assignments[0].TimeoutSeconds).To(Equal(30))
		})
	})

	Describe("handoff failure", func() {
		It("should roll the task back to PENDING with a backoff", func() {
			Expect(registry.Register(ctx, newCollector("c1", 1))).To(Succeed())
			submitted := submit(5)
			publisher.fail = true

			before := time.Now()
			Expect(dispatcher.Pass(ctx)).To(Succeed())

			got, err := taskSrv.Get(ctx, submitted.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusPending))
			Expect(got.AssignedCollector).To(BeEmpty())
			Expect(got.NextAttemptAt).To(BeTemporally(">", before.Add(30*time.Second)))

			collector, err := registry.Get(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(collector.CurrentLoad).To(BeZero())

			// The backoff keeps it out of the immediate next pass.
			Expect(dispatcher.Pass(ctx)).To(Succeed())
			got, err = taskSrv.Get(ctx, submitted.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusPending))
		})
	})
})
