package service

import (
	"testing"
	"time"

	"github.com/embedplan/embedplan/internal/core/domain"
	"go.uber.org/zap"
)

func newTestRegistry(maxTasks int, ttl time.Duration) *Registry {
	return NewRegistry(maxTasks, ttl, zap.NewNop())
}

func TestRegistryCreateAndGet(t *testing.T) {
	r := newTestRegistry(10, time.Hour)

	task := r.Create(domain.PlanRequest{Kind: domain.TaskKindSingleStep, Model: "vjepa2-vitl"})
	if task.ID == "" {
		t.Fatal("empty task id")
	}
	if task.Status != domain.TaskStatusQueued {
		t.Fatalf("status = %s, want queued", task.Status)
	}

	got, ok := r.Get(task.ID)
	if !ok {
		t.Fatal("task not found")
	}
	if got.Request.Model != "vjepa2-vitl" {
		t.Errorf("model = %s", got.Request.Model)
	}

	if _, ok := r.Get("no-such-task"); ok {
		t.Error("expected miss for unknown id")
	}
}

func TestRegistryCancelOnlyWhileRunning(t *testing.T) {
	r := newTestRegistry(10, time.Hour)
	task := r.Create(domain.PlanRequest{Kind: domain.TaskKindSingleStep})

	// Queued tasks cannot be cancelled through the public path.
	if r.Cancel(task.ID) {
		t.Error("cancel succeeded on queued task")
	}

	r.SetStatus(task.ID, domain.TaskStatusRunning)
	if !r.Cancel(task.ID) {
		t.Fatal("cancel failed on running task")
	}

	got, _ := r.Get(task.ID)
	if got.Status != domain.TaskStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	token, _ := r.Token(task.ID)
	if !token.Cancelled() {
		t.Error("token not fired")
	}

	// Terminal tasks stay terminal.
	if r.Cancel(task.ID) {
		t.Error("cancel succeeded on terminal task")
	}
	if r.SetStatus(task.ID, domain.TaskStatusCompleted) {
		t.Error("status moved out of terminal state")
	}
}

func TestRegistryForwardOnlyStatus(t *testing.T) {
	r := newTestRegistry(10, time.Hour)
	task := r.Create(domain.PlanRequest{})

	if !r.SetStatus(task.ID, domain.TaskStatusEncoding) {
		t.Fatal("queued -> encoding rejected")
	}
	if r.SetStatus(task.ID, domain.TaskStatusLoadingModel) {
		t.Error("encoding -> loading_model allowed")
	}
	if !r.SetStatus(task.ID, domain.TaskStatusRunning) {
		t.Fatal("encoding -> running rejected")
	}
}

func TestRegistryProgressFrozenAfterTerminal(t *testing.T) {
	r := newTestRegistry(10, time.Hour)
	task := r.Create(domain.PlanRequest{})
	r.SetStatus(task.ID, domain.TaskStatusRunning)
	r.Complete(task.ID, domain.Result{Energy: 1.5})

	// A worker that has not observed its token yet must not mutate the
	// terminal record.
	r.SetProgress(task.ID, domain.Progress{Iteration: 9})

	got, _ := r.Get(task.ID)
	if got.Progress != nil {
		t.Errorf("progress mutated after terminal: %+v", got.Progress)
	}
	if got.Result == nil || got.Result.Energy != 1.5 {
		t.Errorf("result = %+v", got.Result)
	}
}

func TestRegistryEviction(t *testing.T) {
	r := newTestRegistry(3, time.Hour)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	// Three terminal tasks with increasing start times.
	var ids []string
	for i := 0; i < 3; i++ {
		task := r.Create(domain.PlanRequest{})
		r.MarkStarted(task.ID)
		r.SetStatus(task.ID, domain.TaskStatusRunning)
		r.Complete(task.ID, domain.Result{})
		ids = append(ids, task.ID)
		now = now.Add(time.Minute)
	}

	// A fourth task pushes the registry over its bound; the oldest terminal
	// task goes first.
	fourth := r.Create(domain.PlanRequest{})
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
	if _, ok := r.Get(ids[0]); ok {
		t.Error("oldest terminal task survived size eviction")
	}
	if _, ok := r.Get(ids[1]); !ok {
		t.Error("newer terminal task evicted")
	}

	// TTL eviction removes all expired terminal records but never the live
	// task.
	now = now.Add(2 * time.Hour)
	r.Create(domain.PlanRequest{})
	if _, ok := r.Get(ids[1]); ok {
		t.Error("expired task survived TTL eviction")
	}
	if _, ok := r.Get(ids[2]); ok {
		t.Error("expired task survived TTL eviction")
	}
	if _, ok := r.Get(fourth.ID); !ok {
		t.Error("non-terminal task evicted")
	}
}
