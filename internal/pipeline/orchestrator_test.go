package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/state"
)

func newIdlePipeline(t *testing.T, instrument string) (*Pipeline, *fakeSource) {
	t.Helper()
	src := &fakeSource{}
	p, err := New(Config{Instrument: instrument, Timeframe: "1m", TickSize: 1, ClockInterval: time.Hour}, Deps{
		Source: src,
		Store:  state.New(instrument, 10, 10),
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return p, src
}

func TestOrchestratorLookupAndSwitch(t *testing.T) {
	es, _ := newIdlePipeline(t, "ES")
	nq, nqSrc := newIdlePipeline(t, "NQ")
	o := NewOrchestrator([]*Pipeline{es, nq}, nil, nil, "", quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	waitFor(t, func() bool { return len(nqSrc.connected()) == 1 })

	if p, err := o.Lookup("nq"); err != nil || p != nq {
		t.Fatalf("Lookup(nq) = %v, %v", p, err)
	}
	if _, err := o.Lookup("CL"); !errors.Is(err, domain.ErrUnknownInstrument) {
		t.Errorf("Lookup(CL) err = %v", err)
	}
	if err := o.SwitchInstrument(context.Background(), "NQ", "ES"); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("switch onto a streamed instrument: %v", err)
	}
	if err := o.SwitchInstrument(context.Background(), "NQ", "CL"); err != nil {
		t.Fatal(err)
	}
	if got := o.Instruments(); got[0] != "ES" || got[1] != "CL" {
		t.Errorf("instruments = %v", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
}

func TestOrchestratorDrainsSinkAfterPipelines(t *testing.T) {
	store := &memBarStore{}
	sink := NewSink(SinkConfig{FlushInterval: time.Hour}, SinkTargets{Store: store}, nil, quietLogger())
	p, src := newIdlePipeline(t, "ES")
	o := NewOrchestrator([]*Pipeline{p}, sink, nil, "", quietLogger())
	p.sink = sink

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	waitFor(t, func() bool { return len(src.connected()) == 1 })

	src.trade(tr("1", 0, 100, 1, domain.SideBuy))
	src.trade(tr("2", 61*time.Second, 100, 1, domain.SideBuy))
	waitFor(t, func() bool { return len(p.Store().Bars()) == 1 })

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if store.stored() != 1 {
		t.Errorf("stored %d bars on shutdown, want 1", store.stored())
	}
}
