package media

import "testing"

func TestLevelObserverFireReportsActiveProducers(t *testing.T) {
	o := newLevelObserver(LevelObserverParams{MaxEntries: 10, ThresholdDBFS: -80, Interval: 100})
	defer o.Close()

	p1 := &pionProducer{id: "p1", kind: KindAudio}
	p2 := &pionProducer{id: "p2", kind: KindAudio}
	o.Attach(p1)
	o.Attach(p2)
	o.UpdateLevel("p1", -20)
	o.UpdateLevel("p2", -90) // below threshold, stays silent

	var gotActive []string
	var gotSilence bool
	o.Listen(func(active []string, silence bool) {
		gotActive = active
		gotSilence = silence
	})

	o.fire(false)

	if gotSilence {
		t.Fatal("expected a volumes tick, got silence")
	}
	if len(gotActive) != 1 || gotActive[0] != "p1" {
		t.Fatalf("expected only p1 active, got %v", gotActive)
	}
}

func TestLevelObserverMaxEntriesCap(t *testing.T) {
	o := newLevelObserver(LevelObserverParams{MaxEntries: 1, ThresholdDBFS: -80, Interval: 100})
	defer o.Close()

	for _, id := range []string{"a", "b", "c"} {
		p := &pionProducer{id: id, kind: KindAudio}
		o.Attach(p)
		o.UpdateLevel(id, -10)
	}

	var gotActive []string
	o.Listen(func(active []string, silence bool) { gotActive = active })
	o.fire(false)

	if len(gotActive) != 1 {
		t.Fatalf("expected at most 1 active entry, got %d", len(gotActive))
	}
}

func TestLevelObserverSilenceTickWithNoActive(t *testing.T) {
	o := newLevelObserver(LevelObserverParams{MaxEntries: 10, ThresholdDBFS: -80, Interval: 100})
	defer o.Close()

	var gotSilence bool
	o.Listen(func(active []string, silence bool) { gotSilence = silence })
	o.fire(true)

	if !gotSilence {
		t.Fatal("expected silence tick when no producers are active")
	}
}
