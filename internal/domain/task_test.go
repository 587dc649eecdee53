package domain

import (
	"testing"
	"time"
)

func TestValidTaskType(t *testing.T) {
	for _, tt := range []TaskType{TaskAPICall, TaskBatchProcessing,
		TaskMachineLearning, TaskDataAnalysis, TaskImageProcessing, TaskCustom} {
		if !ValidTaskType(tt) {
			t.Errorf("ValidTaskType(%q) = false, want true", tt)
		}
	}
	if ValidTaskType("quantum_annealing") {
		t.Error("ValidTaskType accepted an unknown type")
	}
}

func TestTaskIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled, TaskExpired}
	live := []TaskStatus{TaskPending, TaskAssigned, TaskRunning, TaskVerifying}

	for _, st := range terminal {
		task := Task{Status: st}
		if !task.IsTerminal() {
			t.Errorf("status %q should be terminal", st)
		}
	}
	for _, st := range live {
		task := Task{Status: st}
		if task.IsTerminal() {
			t.Errorf("status %q should not be terminal", st)
		}
	}
}

func TestAssignmentExpired(t *testing.T) {
	now := time.Now()
	a := Assignment{Active: true, Deadline: now.Add(time.Minute)}

	if a.Expired(now) {
		t.Error("assignment expired before its deadline")
	}
	if !a.Expired(now.Add(2 * time.Minute)) {
		t.Error("assignment not expired after its deadline")
	}

	a.Active = false
	if a.Expired(now.Add(2 * time.Minute)) {
		t.Error("inactive assignment reported as expired")
	}
}

func TestHashOutputDeterministic(t *testing.T) {
	h1 := HashOutput(`{"answer": 42}`)
	h2 := HashOutput(`{"answer": 42}`)
	if h1 != h2 {
		t.Errorf("same output hashed differently: %s vs %s", h1, h2)
	}
	if h1 == HashOutput(`{"answer": 43}`) {
		t.Error("different outputs produced the same hash")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
}

func TestNodeCapabilityCanExecute(t *testing.T) {
	node := NodeCapability{
		NodeID:         "n1",
		CPUCores:       4,
		MemoryMB:       4096,
		SupportedTypes: []TaskType{TaskDataAnalysis},
		Load:           0.5,
	}
	task := &Task{
		Type:      TaskDataAnalysis,
		Resources: Resources{CPUCores: 2, MemoryMB: 1024},
	}

	if !node.CanExecute(task) {
		t.Error("capable node rejected the task")
	}

	task.Resources.MemoryMB = 8192
	if node.CanExecute(task) {
		t.Error("node accepted a task over its memory")
	}
	task.Resources.MemoryMB = 1024

	task.Type = TaskImageProcessing
	if node.CanExecute(task) {
		t.Error("node accepted an unsupported task type")
	}
	task.Type = TaskDataAnalysis

	node.Load = 1.0
	if node.CanExecute(task) {
		t.Error("fully loaded node accepted a task")
	}
}

func TestErrorKindRetryable(t *testing.T) {
	retryable := []ErrorKind{KindTimeout, KindResourceExceeded, KindRuntimeCrash}
	final := []ErrorKind{KindVerificationFailed, KindScheduling, KindPayment}

	for _, k := range retryable {
		if !k.Retryable() {
			t.Errorf("%q should be retryable", k)
		}
	}
	for _, k := range final {
		if k.Retryable() {
			t.Errorf("%q should not be retryable", k)
		}
	}
}
