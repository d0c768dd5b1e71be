package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("proposal")
	defer b.Unsubscribe(sub)

	b.Publish(TopicProposalCreated, ProposalEvent{ProposalID: "p1", Status: "PENDING"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicProposalCreated {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicProposalCreated)
		}
		pe, ok := event.Payload.(ProposalEvent)
		if !ok {
			t.Fatalf("payload type = %T, want ProposalEvent", event.Payload)
		}
		if pe.ProposalID != "p1" {
			t.Fatalf("proposal_id = %q, want p1", pe.ProposalID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	guardSub := b.Subscribe("guard.")
	defer b.Unsubscribe(guardSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicGuardDenied, GuardDeniedEvent{Tool: "create_booking", Reason: "per_turn_cap"})
	b.Publish(TopicTurnCompleted, TurnEvent{SessionID: "s1"})

	// guardSub should receive guard.denied but not turn.completed.
	select {
	case event := <-guardSub.Ch():
		if event.Topic != TopicGuardDenied {
			t.Fatalf("topic = %q, want guard.denied", event.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for guard event")
	}

	select {
	case event := <-guardSub.Ch():
		t.Fatalf("unexpected event on guardSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("turn")
	defer b.Unsubscribe(sub)

	// Overfill the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicTurnStarted, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on full subscriber buffer")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after Unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(TopicGuardDenied, GuardDeniedEvent{Reason: "session_cap"})
			}
		}()
	}
	wg.Wait()
}
