package workers

import (
	"context"
	"errors"
	"testing"

	"ballotbox/contexts/vote-ingestion/vote-pipeline/adapters/memory"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/domain/entities"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"
)

func TestDeadLetterRecorderRecordsAndAcks(t *testing.T) {
	store := memory.NewStore()
	subscriber := &stubSubscriber{}
	recorder := DeadLetterRecorder{Subscriber: subscriber, Rejections: store, Topic: "votes.deadletter"}
	if err := recorder.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if subscriber.topic != "votes.deadletter" || subscriber.group != defaultDeadLetterGroup {
		t.Fatalf("unexpected subscription %s/%s", subscriber.topic, subscriber.group)
	}

	if disposition := subscriber.handlers[0](context.Background(), voteDelivery(t, "v-dead", "alice", 1)); disposition != ports.Ack {
		t.Fatalf("expected ack, got %s", disposition)
	}
	if disposition := recorder.Handle(context.Background(), ports.Delivery{MessageID: "m-junk", Body: []byte("junk"), Attempt: 1}); disposition != ports.Ack {
		t.Fatalf("expected ack for undecodable payload, got %s", disposition)
	}

	rejections, _ := store.ListRejections(context.Background(), 10)
	if len(rejections) != 2 {
		t.Fatalf("expected two rejections, got %d", len(rejections))
	}
	if rejections[1].VoteID != "v-dead" || rejections[1].Reason != entities.RejectionDeadLettered {
		t.Fatalf("unexpected dead-letter rejection %+v", rejections[1])
	}
	if rejections[0].VoteID != "" || string(rejections[0].Payload) != "junk" {
		t.Fatalf("expected raw payload for undecodable message, got %+v", rejections[0])
	}
}

func TestDeadLetterRecorderRetriesOnStoreFailure(t *testing.T) {
	store := memory.NewStore()
	store.SetUnavailable(errors.New("down"))
	recorder := DeadLetterRecorder{Rejections: store}
	if disposition := recorder.Handle(context.Background(), voteDelivery(t, "v-1", "alice", 1)); disposition != ports.Retry {
		t.Fatalf("expected retry on store failure, got %s", disposition)
	}
}
