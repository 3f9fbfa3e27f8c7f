package connector

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/lrhodin/tdbridge/pkg/tdapi"
)

func TestQueueKeepsArrivalOrderUnderAnyResolutionOrder(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		h := newTestClient(t)
		const chat = tdapi.ChatID(1)
		var arrival []tdapi.MessageID
		var fetches []tdapi.RequestID
		for id := tdapi.MessageID(100); id < 110; id++ {
			arrival = append(arrival, id)
			if id%3 == 0 {
				h.newMessage(textMessage(chat, id, false, "plain"))
				continue
			}
			h.newMessage(replyMessage(chat, id, id-50, "reply"))
			_, fetchID, _ := findCall[*tdapi.GetMessage](h.disp)
			fetches = append(fetches, fetchID)
		}
		rng := rand.New(rand.NewPCG(seed, 0))
		rng.Shuffle(len(fetches), func(i, j int) { fetches[i], fetches[j] = fetches[j], fetches[i] })
		for _, id := range fetches {
			h.respond(id, textMessage(chat, 1, false, "original"))
			delivered := h.host.deliveredIDs()
			if !slices.Equal(delivered, arrival[:len(delivered)]) {
				t.Fatalf("seed %d: delivered %v out of arrival order %v", seed, delivered, arrival)
			}
		}
		h.expectDelivered(arrival...)
	}
}

func TestQueueIgnoresDuplicateEnqueue(t *testing.T) {
	h := newTestClient(t)
	h.newMessage(replyMessage(1, 2, 1, "reply"))
	h.newMessage(replyMessage(1, 2, 1, "reply"))
	if h.c.queue.Len() != 1 {
		t.Fatalf("expected one queued envelope, got %d", h.c.queue.Len())
	}
}

func TestQueueConversationsAreIndependent(t *testing.T) {
	h := newTestClient(t)
	h.newMessage(replyMessage(1, 2, 1, "blocked"))
	h.newMessage(textMessage(2, 10, false, "other chat"))
	h.expectDelivered(10)
}

func TestQueueReleasePutsBacklogFirst(t *testing.T) {
	h := newTestClient(t)
	q := h.c.queue
	q.Hold(1)
	q.Enqueue(NewEnvelope(textMessage(1, 8, false, "live"), false))
	q.Enqueue(NewEnvelope(textMessage(1, 9, false, "live"), false))
	h.expectDelivered()

	q.Release(1, []*Envelope{
		NewEnvelope(textMessage(1, 6, false, ""), true),
		NewEnvelope(textMessage(1, 7, false, ""), true),
		NewEnvelope(textMessage(1, 8, false, ""), true),
	})
	h.expectDelivered(6, 7, 8, 9)
	if h.host.messages[2].Backfilled {
		t.Fatal("expected the live copy of message 8 to be kept")
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestQueueFlushMarksUnresolvedDependencies(t *testing.T) {
	h := newTestClient(t)
	h.newMessage(replyMessage(1, 2, 1, "reply"))
	h.c.queue.Flush(1)
	h.expectDelivered(2)
	if h.host.messages[0].Text != "> "+replyUnavailableText+"\nreply" {
		t.Fatalf("unexpected flushed text %q", h.host.messages[0].Text)
	}
}
