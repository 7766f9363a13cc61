package services_test

import (
	"context"
	"database/sql"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tzwfy520/MultiProtCollector-SSH/internal/models"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/services"
	"github.com/tzwfy520/MultiProtCollector-SSH/internal/store"
)

var _ = Describe("Monitor", func() {
	var (
		ctx      context.Context
		db       *sql.DB
		s        *store.Store
		registry *services.Registry
		taskSrv  *services.TaskService
		monitor  *services.Monitor
		base     time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()

		s, db = newTestStore(ctx)
		registry = services.NewRegistry(s)
		taskSrv = services.NewTaskService(s)
		monitor = services.NewMonitor(s, services.MonitorConfig{
			HeartbeatInterval: 30 * time.Second,
			MissedIntervals:   3,
			BackoffBase:       0,
			BackoffMax:        0,
		})

		base = time.Now()

		Expect(registry.Register(ctx, newCollector("c1", 2))).To(Succeed())
	})

	AfterEach(func() {
		if db != nil {
			_ = db.Close()
		}
	})

	setClock := func(at time.Time) {
		monitor.SetClock(func() time.Time { return at })
	}

	assign := func() *models.Task {
		submitted, err := taskSrv.Submit(ctx, newTask(5))
		Expect(err).NotTo(HaveOccurred())

		t, err := taskSrv.Get(ctx, submitted.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Tasks().Assign(ctx, t, "c1", base)).To(Succeed())

		t, err = taskSrv.Get(ctx, submitted.ID)
		Expect(err).NotTo(HaveOccurred())
		return t
	}

	Describe("Sweep", func() {
		It("should leave a fresh collector alone", func() {
			setClock(base.Add(time.Minute))

			Expect(monitor.Sweep(ctx)).To(Succeed())

			got, err := registry.Get(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.CollectorStatusOnline))
		})

		It("should demote a silent collector and requeue its tasks", func() {
			t := assign()
			setClock(base.Add(2 * time.Minute))

			Expect(monitor.Sweep(ctx)).To(Succeed())

			collector, err := registry.Get(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(collector.Status).To(Equal(models.CollectorStatusOffline))
			Expect(collector.CurrentLoad).To(BeZero())

			got, err := taskSrv.Get(ctx, t.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusPending))
			Expect(got.RetryCount).To(Equal(1))
			Expect(got.AssignedCollector).To(BeEmpty())
		})

		It("should keep a collector whose heartbeat just arrived", func() {
			setClock(base.Add(2 * time.Minute))
			Expect(s.Collectors().Heartbeat(ctx, "c1", base.Add(2*time.Minute), models.HeartbeatMetrics{})).To(Succeed())

			Expect(monitor.Sweep(ctx)).To(Succeed())

			got, err := registry.Get(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.CollectorStatusOnline))
		})

		It("should let a recovered collector take work again", func() {
			setClock(base.Add(2 * time.Minute))
			Expect(monitor.Sweep(ctx)).To(Succeed())

			Expect(registry.Heartbeat(ctx, "c1", models.HeartbeatMetrics{})).To(Succeed())

			got, err := registry.Get(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.CollectorStatusOnline))

			eligible, err := registry.ListEligible(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(eligible).To(HaveLen(1))
		})

		It("should requeue an ASSIGNED task that never reported progress", func() {
			t := assign()

			// Collector keeps heartbeating but the task sits past its timeout.
			setClock(base.Add(time.Minute))
			Expect(s.Collectors().Heartbeat(ctx, "c1", base.Add(time.Minute), models.HeartbeatMetrics{})).To(Succeed())

			Expect(monitor.Sweep(ctx)).To(Succeed())

			collector, err := registry.Get(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(collector.Status).To(Equal(models.CollectorStatusOnline))
			Expect(collector.CurrentLoad).To(BeZero())

			got, err := taskSrv.Get(ctx, t.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusPending))
			Expect(got.RetryCount).To(Equal(1))
		})

		It("should not touch a RUNNING task within its timeout", func() {
			t := assign()
			Expect(s.Tasks().MarkRunning(ctx, t.ID, "c1", t.Attempt, base)).To(Succeed())

			setClock(base.Add(time.Minute))
			Expect(s.Collectors().Heartbeat(ctx, "c1", base.Add(time.Minute), models.HeartbeatMetrics{})).To(Succeed())

			Expect(monitor.Sweep(ctx)).To(Succeed())

			got, err := taskSrv.Get(ctx, t.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusRunning))
		})

		It("should fail an orphaned task whose retry budget is exhausted", func() {
			t := assign()

			// Burn the retry budget through repeated demote/recover cycles.
			for i := 0; i < 3; i++ {
				at := base.Add(time.Duration(i+1) * 2 * time.Minute)
				setClock(at)
				Expect(monitor.Sweep(ctx)).To(Succeed())

				got, err := taskSrv.Get(ctx, t.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Status).To(Equal(models.TaskStatusPending))
				Expect(got.RetryCount).To(Equal(i + 1))

				Expect(s.Collectors().Heartbeat(ctx, "c1", at, models.HeartbeatMetrics{})).To(Succeed())
				got, err = taskSrv.Get(ctx, t.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(s.Tasks().Assign(ctx, got, "c1", at)).To(Succeed())
			}

			setClock(base.Add(time.Hour))
			Expect(monitor.Sweep(ctx)).To(Succeed())

			got, err := taskSrv.Get(ctx, t.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusFailed))
			Expect(got.ErrorMessage).To(ContainSubstring("retry limit exceeded"))

			// No result row: the collector never produced one.
			results, err := taskSrv.Results(ctx, t.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(BeEmpty())

			collector, err := registry.Get(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(collector.CurrentLoad).To(BeZero())
		})
	})
})
