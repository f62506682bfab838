package notes

import "testing"

func TestBusFansOutToAllSubscribers(t *testing.T) {
	b := NewBus()
	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.Publish(Change{ID: "n1", Kind: ChangeCreated}, Change{ID: "n2", Kind: ChangeDeleted})

	for _, ch := range []<-chan Change{ch1, ch2} {
		first := <-ch
		second := <-ch
		if first.ID != "n1" || first.Kind != ChangeCreated {
			t.Fatalf("first = %+v", first)
		}
		if second.ID != "n2" || second.Kind != ChangeDeleted {
			t.Fatalf("second = %+v", second)
		}
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}
	// Cancelling twice and publishing afterwards must both be safe.
	cancel()
	b.Publish(Change{ID: "n1", Kind: ChangeTouched})
}

func TestBusNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe()
	defer cancel()

	// Far past the buffer; delivery is best-effort, the publisher must not
	// stall.
	for i := 0; i < 1000; i++ {
		b.Publish(Change{ID: "n1", Kind: ChangeUpdated})
	}
}
