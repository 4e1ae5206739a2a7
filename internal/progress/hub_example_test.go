package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit counts successful probes with a custom sink.
func ExampleHub_Emit() {
	var ok int
	hub := NewHub(Config{MaxBatchEvents: 1}, sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StageProbeDone && evt.Success {
				ok++
			}
		}
		return nil
	}))

	runID := uuid.MustParse("0190f3c4-0000-7000-8000-000000000001")
	hub.Emit(Event{RunID: runID, TS: time.Unix(0, 0), Stage: StageRunStart, Total: 2})
	hub.Emit(Event{RunID: runID, TS: time.Unix(1, 0), Stage: StageProbeDone, URL: "ss://a", Success: true})
	hub.Emit(Event{RunID: runID, TS: time.Unix(2, 0), Stage: StageProbeDone, URL: "ss://b"})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("successful probes: %d\n", ok)
	// Output:
	// successful probes: 1
}
