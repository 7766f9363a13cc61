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

var _ = Describe("Correlator", func() {
	var (
		ctx        context.Context
		db         *sql.DB
		s          *store.Store
		registry   *services.Registry
		taskSrv    *services.TaskService
		correlator *services.Correlator
		task       *models.Task
	)

	BeforeEach(func() {
		ctx = context.Background()

		s, db = newTestStore(ctx)
		registry = services.NewRegistry(s)
		taskSrv = services.NewTaskService(s)
		correlator = services.NewCorrelator(s, services.CorrelatorConfig{
			BackoffBase: 0,
			BackoffMax:  0,
		})

		Expect(registry.Register(ctx, newCollector("c1", 2))).To(Succeed())

		var err error
		task, err = taskSrv.Submit(ctx, newTask(5))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			_ = db.Close()
		}
	})

	// assign binds the task to c1 and returns it with the current attempt.
	assign := func() *models.Task {
		t, err := taskSrv.Get(ctx, task.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Tasks().Assign(ctx, t, "c1", time.Now())).To(Succeed())

		t, err = taskSrv.Get(ctx, task.ID)
		Expect(err).NotTo(HaveOccurred())
		return t
	}

	result := func(t *models.Task, success bool, errorCode string) *models.TaskResult {
		return &models.TaskResult{
			TaskID:        t.ID,
			CollectorID:   "c1",
			Attempt:       t.Attempt,
			Success:       success,
			ExecutionTime: 800 * time.Millisecond,
			Output:        "Cisco IOS Software",
			ErrorCode:     errorCode,
		}
	}

	Describe("Accept", func() {
		It("should complete the task and release capacity on success", func() {
			assigned := assign()

			Expect(correlator.Accept(ctx, result(assigned, true, ""))).To(Succeed())

			got, err := taskSrv.Get(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusCompleted))

			collector, err := registry.Get(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(collector.CurrentLoad).To(BeZero())

			results, err := taskSrv.Results(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
			Expect(results[0].Success).To(BeTrue())
		})

		It("should drop a duplicate of an already applied result", func() {
			assigned := assign()

			Expect(correlator.Accept(ctx, result(assigned, true, ""))).To(Succeed())

			err := correlator.Accept(ctx, result(assigned, true, ""))
			Expect(err).To(MatchError(services.ErrStaleResult))

			results, err := taskSrv.Results(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))

			collector, err := registry.Get(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(collector.CurrentLoad).To(BeZero())
		})

		It("should drop a result from a collector that does not own the task", func() {
			assigned := assign()

			r := result(assigned, true, "")
			r.CollectorID = "c2"

			err := correlator.Accept(ctx, r)
			Expect(err).To(MatchError(services.ErrStaleResult))

			got, err := taskSrv.Get(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusAssigned))
		})

		It("should drop a result for a superseded attempt", func() {
			assigned := assign()

			r := result(assigned, true, "")
			r.Attempt = assigned.Attempt - 1

			err := correlator.Accept(ctx, r)
			Expect(err).To(MatchError(services.ErrStaleResult))

			got, err := taskSrv.Get(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusAssigned))

			collector, err := registry.Get(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(collector.CurrentLoad).To(Equal(1))
		})

		It("should drop a result for an unknown task", func() {
			r := &models.TaskResult{TaskID: "ghost", CollectorID: "c1", Attempt: 1, Success: true}

			err := correlator.Accept(ctx, r)
			Expect(err).To(MatchError(services.ErrStaleResult))
		})

		It("should requeue a retryable failure with an incremented retry count", func() {
			assigned := assign()

			Expect(correlator.Accept(ctx, result(assigned, false, models.ErrorCodeSSHConnection))).To(Succeed())

			got, err := taskSrv.Get(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusPending))
			Expect(got.RetryCount).To(Equal(1))

			collector, err := registry.Get(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(collector.CurrentLoad).To(BeZero())

			results, err := taskSrv.Results(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
			Expect(results[0].Success).To(BeFalse())
		})

		It("should fail immediately on a non-retryable error", func() {
			assigned := assign()

			r := result(assigned, false, models.ErrorCodeAuthentication)
			r.ErrorMessage = "permission denied (publickey,password)"
			Expect(correlator.Accept(ctx, r)).To(Succeed())

			got, err := taskSrv.Get(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusFailed))
			Expect(got.RetryCount).To(BeZero())
			Expect(got.ErrorMessage).To(Equal("permission denied (publickey,password)"))
		})

		It("should fail after the retry budget is exhausted", func() {
			// maxRetries defaults to 3: attempts 1-3 requeue, attempt 4 fails.
			for i := 0; i < 3; i++ {
				assigned := assign()
				Expect(correlator.Accept(ctx, result(assigned, false, models.ErrorCodeTimeout))).To(Succeed())

				got, err := taskSrv.Get(ctx, task.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(got.Status).To(Equal(models.TaskStatusPending))
				Expect(got.RetryCount).To(Equal(i + 1))
			}

			assigned := assign()
			Expect(assigned.Attempt).To(Equal(4))
			Expect(correlator.Accept(ctx, result(assigned, false, models.ErrorCodeTimeout))).To(Succeed())

			got, err := taskSrv.Get(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusFailed))
			Expect(got.ErrorMessage).To(ContainSubstring("retry limit exceeded"))

			results, err := taskSrv.Results(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(4))

			collector, err := registry.Get(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(collector.CurrentLoad).To(BeZero())
		})
	})

	Describe("Progress", func() {
		It("should move the task ASSIGNED to RUNNING", func() {
			assigned := assign()

			Expect(correlator.Progress(ctx, task.ID, "c1", assigned.Attempt)).To(Succeed())

			got, err := taskSrv.Get(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusRunning))
			Expect(got.StartedAt).NotTo(BeNil())
		})

		It("should drop a repeated progress signal", func() {
			assigned := assign()

			Expect(correlator.Progress(ctx, task.ID, "c1", assigned.Attempt)).To(Succeed())
			Expect(correlator.Progress(ctx, task.ID, "c1", assigned.Attempt)).To(Succeed())

			got, err := taskSrv.Get(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusRunning))

			transitions, err := taskSrv.Transitions(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(transitions).To(HaveLen(2))
		})

		It("should accept a result from a RUNNING task", func() {
			assigned := assign()

			Expect(correlator.Progress(ctx, task.ID, "c1", assigned.Attempt)).To(Succeed())
			Expect(correlator.Accept(ctx, result(assigned, true, ""))).To(Succeed())

			got, err := taskSrv.Get(ctx, task.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(models.TaskStatusCompleted))
		})
	})
})
