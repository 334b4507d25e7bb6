package pipeline

import (
	"context"
	"errors"
	"testing"

	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/services"
	"podcast-pipeline/internal/store"
)

func TestSubmitCreatesAndDispatches(t *testing.T) {
	st := store.NewMemory()
	var dispatched []string
	d := DispatcherFunc(func(ctx context.Context, id string) error {
		dispatched = append(dispatched, id)
		return nil
	})

	job, err := Submit(context.Background(), st, d, nil, models.CreateRequest{
		Owner:         "bob",
		Topics:        []string{" technology ", "technology", ""},
		Duration:      120,
		HostVoiceID:   "v1",
		CoHostVoiceID: "v2",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != models.StatusProcessing || len(job.Topics) != 1 || job.Language != "en" {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(dispatched) != 1 || dispatched[0] != job.ID {
		t.Fatalf("unexpected dispatches %v", dispatched)
	}
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	st := store.NewMemory()
	d := DispatcherFunc(func(ctx context.Context, id string) error {
		t.Fatal("invalid request must not be dispatched")
		return nil
	})
	_, err := Submit(context.Background(), st, d, nil, models.CreateRequest{
		Topics:        []string{"technology"},
		Duration:      30,
		HostVoiceID:   "v1",
		CoHostVoiceID: "v2",
	})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	jobs, _ := st.ListJobs(context.Background(), "", 10, 0)
	if len(jobs) != 0 {
		t.Fatalf("nothing should be stored, got %d jobs", len(jobs))
	}
}

func TestSubmitFailsUndispatchedJob(t *testing.T) {
	st := store.NewMemory()
	pub := &recordingPublisher{}
	d := DispatcherFunc(func(ctx context.Context, id string) error {
		return errors.New("backlog full")
	})

	job, err := Submit(context.Background(), st, d, pub, models.CreateRequest{
		Owner:         "bob",
		Topics:        []string{"science"},
		Duration:      60,
		HostVoiceID:   "v1",
		CoHostVoiceID: "v2",
	})
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
	if job.Status != models.StatusFailed {
		t.Fatalf("undispatched job must be failed, got %s", job.Status)
	}
	assertTerminalInvariant(t, job)
	if len(pub.events) != 1 || pub.events[0].Kind != "DispatchFailed" {
		t.Fatalf("expected a failed event, got %+v", pub.events)
	}
}
