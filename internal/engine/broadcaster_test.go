package engine_test

import (
	"testing"
	"time"

	"github.com/pbulloch/swaprouter/internal/engine"
	"github.com/pbulloch/swaprouter/internal/model"
)

func update(orderID, status string) engine.StatusUpdate {
	return engine.StatusUpdate{OrderID: orderID, Status: status, Timestamp: time.Now().UTC()}
}

func collect(ch <-chan engine.StatusUpdate) []string {
	var statuses []string
	for u := range ch {
		statuses = append(statuses, u.Status)
	}
	return statuses
}

func TestBrokerSnapshotOnSubscribe(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("o1", update("o1", model.StatusPending))
	defer unsub()

	select {
	case u := <-ch:
		if u.Status != model.StatusPending {
			t.Errorf("snapshot status = %q, want pending", u.Status)
		}
	default:
		t.Fatal("no snapshot delivered on subscribe")
	}
}

func TestBrokerSingleSubscriberSequence(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("o1", update("o1", model.StatusPending))
	defer unsub()

	for _, s := range []string{model.StatusRouting, model.StatusBuilding, model.StatusSubmitted, model.StatusConfirmed} {
		b.Publish(update("o1", s))
	}
	b.Close("o1")

	got := collect(ch)
	want := []string{model.StatusPending, model.StatusRouting, model.StatusBuilding, model.StatusSubmitted, model.StatusConfirmed}
	if len(got) != len(want) {
		t.Fatalf("got %d updates %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("update[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewBroker()
	ch1, unsub1 := b.Subscribe("o1", update("o1", model.StatusPending))
	defer unsub1()
	ch2, unsub2 := b.Subscribe("o1", update("o1", model.StatusPending))
	defer unsub2()

	b.Publish(update("o1", model.StatusRouting))
	b.Close("o1")

	for i, ch := range []<-chan engine.StatusUpdate{ch1, ch2} {
		got := collect(ch)
		if len(got) != 2 || got[1] != model.StatusRouting {
			t.Errorf("subscriber %d got %v, want [pending routing]", i+1, got)
		}
	}
}

func TestBrokerIsolatesOrders(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("o1", update("o1", model.StatusPending))
	defer unsub()

	b.Publish(update("o2", model.StatusRouting))
	b.Close("o1")

	got := collect(ch)
	if len(got) != 1 {
		t.Errorf("subscriber for o1 got %v, other order's update leaked", got)
	}
}

func TestBrokerPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := engine.NewBroker()
	// Should not panic.
	b.Publish(update("nobody", model.StatusRouting))
	b.Close("nobody")
}

func TestBrokerLateSubscriberAfterClose(t *testing.T) {
	b := engine.NewBroker()
	b.Close("o1")

	ch, unsub := b.Subscribe("o1", update("o1", model.StatusConfirmed))
	defer unsub()

	// Late joiner still gets its snapshot, then a closed channel.
	got := collect(ch)
	if len(got) != 1 || got[0] != model.StatusConfirmed {
		t.Errorf("late subscriber got %v, want [confirmed]", got)
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewBroker()
	ch, unsub := b.Subscribe("o1", update("o1", model.StatusPending))
	unsub()

	b.Publish(update("o1", model.StatusRouting))

	got := collect(ch)
	if len(got) != 1 {
		t.Errorf("got %v after unsubscribe, want only the snapshot", got)
	}
}

func TestBrokerRemovesEmptySubscriberSets(t *testing.T) {
	b := engine.NewBroker()

	_, unsub1 := b.Subscribe("o1", update("o1", model.StatusPending))
	_, unsub2 := b.Subscribe("o1", update("o1", model.StatusPending))

	if got := b.ActiveConnectionCount(); got != 2 {
		t.Errorf("ActiveConnectionCount = %d, want 2", got)
	}

	unsub1()
	if got := b.ActiveConnectionCount(); got != 1 {
		t.Errorf("ActiveConnectionCount = %d after one unsubscribe, want 1", got)
	}

	unsub2()
	unsub2() // idempotent
	if got := b.ActiveConnectionCount(); got != 0 {
		t.Errorf("ActiveConnectionCount = %d after all unsubscribes, want 0", got)
	}
}

func TestBrokerSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := engine.NewBroker()

	// Never drained; its buffer fills and further deliveries drop.
	_, unsubSlow := b.Subscribe("o1", update("o1", model.StatusPending))
	defer unsubSlow()

	fast, unsubFast := b.Subscribe("o1", update("o1", model.StatusPending))
	defer unsubFast()

	done := make(chan struct{})
	go func() {
		for range 100 {
			b.Publish(update("o1", model.StatusRouting))
		}
		b.Close("o1")
		close(done)
	}()

	// Drain the fast subscriber; if the slow one blocked the broker this
	// would deadlock instead of completing.
	got := collect(fast)
	<-done

	if len(got) == 0 {
		t.Error("fast subscriber starved")
	}
}
