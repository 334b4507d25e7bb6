package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"podcast-pipeline/internal/models"
)

type recordingConn struct {
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
}

func (c *recordingConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *recordingConn) Drain() error {
	c.drained = true
	return nil
}

func TestNATSPublisherSubjects(t *testing.T) {
	nc := &recordingConn{}
	p := newNATSPublisher(nc, "podcasts.job")
	job := models.Job{ID: "job-1", Owner: "alice"}

	result := models.Result{ArtifactLocation: "static/podcasts/job-1.wav", Message: "Podcast generated successfully"}
	result.Metadata.ActualDurationSeconds = 61.5
	if err := p.Publish(context.Background(), Completed(job, result)); err != nil {
		t.Fatalf("publish completed: %v", err)
	}
	if err := p.Publish(context.Background(), Failed(job, "SynthesisFailed", "turn 3 failed")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(nc.subjects) != 2 || nc.subjects[0] != "podcasts.job.completed" || nc.subjects[1] != "podcasts.job.failed" {
		t.Fatalf("unexpected subjects: %v", nc.subjects)
	}

	var ev Event
	if err := json.Unmarshal(nc.payloads[0], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.JobID != "job-1" || ev.Status != "completed" || ev.DurationSeconds != 61.5 || ev.ArtifactLocation == "" {
		t.Fatalf("unexpected event %+v", ev)
	}

	p.Close()
	if !nc.drained {
		t.Fatal("Close should drain the connection")
	}
}

func TestEmitSwallowsErrors(t *testing.T) {
	nc := &recordingConn{err: errors.New("no responders")}
	p := newNATSPublisher(nc, "")
	Emit(context.Background(), p, Failed(models.Job{ID: "job-2"}, "InternalError", "boom"))
	Emit(context.Background(), nil, Event{})
	if p.Subject(TypeFailed) != "podcasts.job.failed" {
		t.Fatalf("default prefix not applied: %s", p.Subject(TypeFailed))
	}
}

func TestNewWithoutURLIsNop(t *testing.T) {
	p, err := New("", "x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(Nop); !ok {
		t.Fatalf("expected Nop, got %T", p)
	}
}
