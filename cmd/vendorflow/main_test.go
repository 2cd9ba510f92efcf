package main

import (
	"bytes"
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vendorflow/vendorflow/internal/platform/http/auth"
	"github.com/vendorflow/vendorflow/internal/platform/logutil"
	"github.com/vendorflow/vendorflow/internal/sharing"
	"github.com/vendorflow/vendorflow/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	t.Setenv("VENDORFLOW_JWT_SECRET", testSecret)
	t.Setenv("VENDORFLOW_JWT_ISSUER", "vendorflow-test")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--mode", "dev", "token", "alice", "--ttl", "1h"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("token: %v", err)
	}

	tokens, err := auth.NewTokens(testSecret, "vendorflow-test")
	if err != nil {
		t.Fatal(err)
	}
	sub, err := tokens.Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if sub != "alice" {
		t.Errorf("subject = %q", sub)
	}
}

func TestTokenCommandNeedsSecret(t *testing.T) {
	t.Setenv("VENDORFLOW_JWT_SECRET", "")
	rootCmd.SetArgs([]string{"--mode", "dev", "token", "alice"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected an error without a jwt secret")
	}
}

// countingStore counts ListExpired calls made by the sweep.
type countingStore struct {
	*memory.Driver
	sweeps atomic.Int32
}

func (c *countingStore) Edges() sharing.EdgeRepo {
	return countingEdges{EdgeRepo: c.Driver.Edges(), n: &c.sweeps}
}

type countingEdges struct {
	sharing.EdgeRepo
	n *atomic.Int32
}

func (e countingEdges) ListExpired(ctx context.Context, now time.Time) ([]*sharing.Edge, error) {
	e.n.Add(1)
	return e.EdgeRepo.ListExpired(ctx, now)
}

func TestExpirySweepRunsUntilCancelled(t *testing.T) {
	st := &countingStore{Driver: memory.New()}
	engine := sharing.NewEngine(st, sharing.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runExpirySweep(ctx, engine, 5*time.Millisecond, logutil.Noop())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for st.sweeps.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("sweep did not run")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep did not stop after cancel")
	}
}

func TestExpirySweepDisabled(t *testing.T) {
	done := make(chan struct{})
	go func() {
		runExpirySweep(context.Background(), nil, 0, logutil.Noop())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a zero interval should return immediately")
	}
}
