package workflow

import (
	"context"
	"errors"
	"testing"
)

func TestChainRunExecutesStagesInOrder(t *testing.T) {
	var order []string
	chain := &Chain{
		Name: "test",
		Stages: []Stage{
			{Name: "a", Execute: func(ctx context.Context, st *State) error { order = append(order, "a"); return nil }},
			{Name: "b", Execute: func(ctx context.Context, st *State) error { order = append(order, "b"); return nil }},
		},
	}
	if err := chain.Run(context.Background(), NewState()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("execution order = %v, want [a b]", order)
	}
}

func TestChainRunTearsDownCompletedSetupsInReverseOnFailure(t *testing.T) {
	var teardownOrder []string
	failing := errors.New("boom")

	chain := &Chain{
		Name: "test",
		Stages: []Stage{
			{
				Name:     "a",
				Setup:    func(ctx context.Context, st *State) error { return nil },
				Teardown: func(ctx context.Context, st *State) error { teardownOrder = append(teardownOrder, "a"); return nil },
			},
			{
				Name:     "b",
				Setup:    func(ctx context.Context, st *State) error { return nil },
				Execute:  func(ctx context.Context, st *State) error { return failing },
				Teardown: func(ctx context.Context, st *State) error { teardownOrder = append(teardownOrder, "b"); return nil },
			},
			{
				Name:     "c",
				Setup:    func(ctx context.Context, st *State) error { return nil },
				Teardown: func(ctx context.Context, st *State) error { teardownOrder = append(teardownOrder, "c"); return nil },
			},
		},
	}

	err := chain.Run(context.Background(), NewState())
	if err == nil {
		t.Fatal("Run: expected error")
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("error type = %T, want *StageError", err)
	}
	if stageErr.Stage != "b" {
		t.Fatalf("failed stage = %q, want %q", stageErr.Stage, "b")
	}
	if len(teardownOrder) != 2 || teardownOrder[0] != "b" || teardownOrder[1] != "a" {
		t.Fatalf("teardown order = %v, want [b a] (c never completed setup)", teardownOrder)
	}
}

func TestChainRunSkipsTeardownForStageThatNeverSetUp(t *testing.T) {
	setupErr := errors.New("setup failed")
	var teardownCalled bool

	chain := &Chain{
		Name: "test",
		Stages: []Stage{
			{
				Name:  "a",
				Setup: func(ctx context.Context, st *State) error { return setupErr },
				Teardown: func(ctx context.Context, st *State) error {
					teardownCalled = true
					return nil
				},
			},
		},
	}

	err := chain.Run(context.Background(), NewState())
	if err == nil {
		t.Fatal("Run: expected error")
	}
	if teardownCalled {
		t.Fatal("Teardown should not run for a stage whose Setup failed")
	}
}

func TestStateSetGet(t *testing.T) {
	st := NewState()
	st.Set("k", 42)
	v, ok := st.Get("k")
	if !ok || v.(int) != 42 {
		t.Fatalf("Get(k) = %v, %v; want 42, true", v, ok)
	}
	if _, ok := st.Get("missing"); ok {
		t.Fatal("Get(missing) should report ok=false")
	}
}
