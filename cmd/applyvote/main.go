package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ballotbox/contexts/vote-ingestion/vote-pipeline/application/workers"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"
	"ballotbox/internal/app/bootstrap"
)

// Single-delivery entrypoint for runtimes that own redelivery themselves
// (queue-triggered functions, job runners). Reads one vote envelope from
// stdin and reports the disposition through the exit code.
const (
	exitAck    = 0
	exitReject = 65 // EX_DATAERR
	exitRetry  = 75 // EX_TEMPFAIL
)

func main() {
	messageID := flag.String("message-id", "", "broker message id of the delivery")
	attempt := flag.Int("attempt", 1, "delivery attempt, 1 on first delivery")
	flag.Parse()

	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		log.Printf("read envelope from stdin failed: %v", err)
		os.Exit(exitRetry)
	}

	app, err := bootstrap.BuildApplyVote()
	if err != nil {
		log.Printf("bootstrap applyvote failed: %v", err)
		os.Exit(exitRetry)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	result := app.Process(ctx, *messageID, body, *attempt)
	stop()
	if err := app.Close(); err != nil {
		log.Printf("applyvote close failed: %v", err)
	}

	_ = json.NewEncoder(os.Stdout).Encode(resultOutput(result))
	os.Exit(exitCode(result.Disposition))
}

type output struct {
	Disposition string `json:"disposition"`
	Outcome     string `json:"outcome"`
	VoteID      string `json:"vote_id,omitempty"`
	CandidateID string `json:"candidate_id,omitempty"`
	TraceID     string `json:"trace_id,omitempty"`
}

func resultOutput(result workers.ProcessResult) output {
	return output{
		Disposition: result.Disposition.String(),
		Outcome:     string(result.Outcome),
		VoteID:      result.VoteID,
		CandidateID: result.CandidateID,
		TraceID:     result.TraceID,
	}
}

func exitCode(disposition ports.Disposition) int {
	switch disposition {
	case ports.Ack:
		return exitAck
	case ports.Reject:
		return exitReject
	default:
		return exitRetry
	}
}
