package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/switchboard-io/switchboard/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openQueueTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Job{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func TestEnqueue(t *testing.T) {
	db := openQueueTestDB(t)

	job, err := Enqueue(db, TypeProcessIncoming, "tenant-1", ProcessIncomingPayload{
		MessageID:         "m1",
		ConversationID:    "c1",
		ChannelID:         "ch1",
		TenantID:          "tenant-1",
		IsNewConversation: true,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.Status != models.JobPending {
		t.Errorf("status = %q", job.Status)
	}
	if job.MaxAttempts != models.DefaultMaxAttempts {
		t.Errorf("max attempts = %d", job.MaxAttempts)
	}

	var payload ProcessIncomingPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.MessageID != "m1" || !payload.IsNewConversation {
		t.Errorf("payload = %+v", payload)
	}
}

func TestEnqueue_MissingType(t *testing.T) {
	_, err := Enqueue(nil, "", "t", nil)
	if err == nil {
		t.Fatal("expected error for empty job type")
	}
}

func TestClaim_NoDueJobs(t *testing.T) {
	db := openQueueTestDB(t)

	_, err := Claim(db, []string{TypeProcessIncoming})
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestClaim_SkipsFutureJobs(t *testing.T) {
	db := openQueueTestDB(t)
	db.Create(&models.Job{Type: TypeSendMessage, Status: models.JobPending, RunAt: time.Now().Add(time.Hour)})

	_, err := Claim(db, []string{TypeSendMessage})
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("err = %v, want ErrRecordNotFound for future job", err)
	}
}

func TestClaim_TakesOldestAndFlipsToRunning(t *testing.T) {
	db := openQueueTestDB(t)
	db.Create(&models.Job{Type: TypeSendMessage, Status: models.JobPending, RunAt: time.Now().Add(-2 * time.Minute)})
	db.Create(&models.Job{Type: TypeSendMessage, Status: models.JobPending, RunAt: time.Now().Add(-time.Hour)})

	job, err := Claim(db, []string{TypeSendMessage})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job.ID != 2 {
		t.Errorf("claimed job %d, want the older job 2", job.ID)
	}
	if job.Status != models.JobRunning || job.Attempts != 1 {
		t.Errorf("job = status %q attempts %d", job.Status, job.Attempts)
	}

	// The running job must not be claimable again; the remaining due job is.
	second, err := Claim(db, []string{TypeSendMessage})
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if second.ID != 1 {
		t.Errorf("second claim took job %d, want the newer job 1", second.ID)
	}
	if _, err := Claim(db, []string{TypeSendMessage}); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("third claim err = %v, want ErrRecordNotFound", err)
	}
}

func TestWorker_ExecuteSuccess(t *testing.T) {
	db := openQueueTestDB(t)
	w, err := NewWorker(WorkerOpts{DB: db})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	w.Register(TypeProcessIncoming, func(ctx context.Context, job models.Job) error { return nil })

	db.Create(&models.Job{Type: TypeProcessIncoming, Status: models.JobPending, RunAt: time.Now().Add(-time.Second), MaxAttempts: 3})
	job, err := Claim(db, []string{TypeProcessIncoming})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	w.execute(context.Background(), *job)

	var got models.Job
	db.First(&got, job.ID)
	if got.Status != models.JobCompleted {
		t.Errorf("status = %q", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestWorker_ExecuteFailure_Reschedules(t *testing.T) {
	db := openQueueTestDB(t)
	w, _ := NewWorker(WorkerOpts{DB: db, BackoffBase: time.Minute})
	w.Register(TypeSendMessage, func(ctx context.Context, job models.Job) error {
		return fmt.Errorf("provider unavailable")
	})

	db.Create(&models.Job{Type: TypeSendMessage, Status: models.JobPending, RunAt: time.Now().Add(-time.Second), MaxAttempts: 3})
	job, _ := Claim(db, []string{TypeSendMessage})

	before := time.Now()
	w.execute(context.Background(), *job)

	var got models.Job
	db.First(&got, job.ID)
	if got.Status != models.JobPending {
		t.Fatalf("status = %q, want pending for retry", got.Status)
	}
	if got.LastError != "provider unavailable" {
		t.Errorf("last_error = %q", got.LastError)
	}
	// First retry waits one base interval.
	if got.RunAt.Before(before.Add(50 * time.Second)) {
		t.Errorf("run_at = %v, want ~1m in the future", got.RunAt)
	}
}

func TestWorker_ExecuteFailure_ExhaustionRecordsFailed(t *testing.T) {
	db := openQueueTestDB(t)
	w, _ := NewWorker(WorkerOpts{DB: db})
	w.Register(TypeSendMessage, func(ctx context.Context, job models.Job) error {
		return fmt.Errorf("still broken")
	})

	db.Create(&models.Job{Type: TypeSendMessage, Status: models.JobPending, RunAt: time.Now().Add(-time.Second), MaxAttempts: 1})
	job, _ := Claim(db, []string{TypeSendMessage})

	w.execute(context.Background(), *job)

	var got models.Job
	db.First(&got, job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("status = %q, want failed after exhaustion", got.Status)
	}
	if got.LastError == "" {
		t.Error("last_error must be recorded for operator inspection")
	}
}

func TestWorker_RunProcessesJob(t *testing.T) {
	db := openQueueTestDB(t)
	w, _ := NewWorker(WorkerOpts{DB: db, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.Register(TypeProcessIncoming, func(ctx context.Context, job models.Job) error {
		close(done)
		return nil
	})

	db.Create(&models.Job{Type: TypeProcessIncoming, Status: models.JobPending, RunAt: time.Now().Add(-time.Second), MaxAttempts: 3})

	go w.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not process the job")
	}
	cancel()
}

func TestWorker_RunRequiresHandlers(t *testing.T) {
	db := openQueueTestDB(t)
	w, _ := NewWorker(WorkerOpts{DB: db})
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected error for worker with no handlers")
	}
}

func TestBackoff(t *testing.T) {
	base := 30 * time.Second
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(base, tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}
}

func TestBackoff_Cap(t *testing.T) {
	if got := Backoff(time.Hour, 10); got != maxBackoff {
		t.Errorf("Backoff = %s, want cap %s", got, maxBackoff)
	}
}

func TestRequeueStale(t *testing.T) {
	db := openQueueTestDB(t)

	stale := models.Job{Type: TypeSendMessage, Status: models.JobRunning, RunAt: time.Now()}
	db.Create(&stale)
	db.Model(&models.Job{}).Where("id = ?", stale.ID).UpdateColumn("updated_at", time.Now().Add(-time.Hour))

	fresh := models.Job{Type: TypeSendMessage, Status: models.JobRunning, RunAt: time.Now()}
	db.Create(&fresh)

	n, err := RequeueStale(db, 15*time.Minute)
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued %d jobs, want 1", n)
	}

	var requeued models.Job
	if err := db.First(&requeued, stale.ID).Error; err != nil {
		t.Fatalf("load stale job: %v", err)
	}
	if requeued.Status != models.JobPending {
		t.Errorf("stale job status = %q", requeued.Status)
	}

	var untouched models.Job
	if err := db.First(&untouched, fresh.ID).Error; err != nil {
		t.Fatalf("load fresh job: %v", err)
	}
	if untouched.Status != models.JobRunning {
		t.Errorf("fresh job status = %q, should be untouched", untouched.Status)
	}
}

func TestPurgeCompleted_KeepsFailed(t *testing.T) {
	db := openQueueTestDB(t)
	old := time.Now().Add(-30 * 24 * time.Hour)

	db.Create(&models.Job{Type: TypeSendMessage, Status: models.JobCompleted, RunAt: old, CompletedAt: &old})
	db.Create(&models.Job{Type: TypeSendMessage, Status: models.JobFailed, RunAt: old})

	n, err := PurgeCompleted(db, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeCompleted: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}

	var count int64
	db.Model(&models.Job{}).Where("status = ?", models.JobFailed).Count(&count)
	if count != 1 {
		t.Error("failed jobs must be kept for inspection")
	}
}
