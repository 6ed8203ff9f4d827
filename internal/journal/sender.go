package journal

import (
	"context"
	"fmt"

	"connectrpc.com/connect"
	"github.com/wolfeidau/encacl/internal/events"
	"github.com/wolfeidau/encacl/internal/rpc"
)

// EventSender delivers a batch of journaled events, in sequence order, to
// wherever they are indexed.
type EventSender interface {
	Send(ctx context.Context, batch []events.Event) error
}

// IndexerSender sends batches to an indexer service over connect.
type IndexerSender struct {
	client *rpc.IndexerServiceClient
}

var _ EventSender = (*IndexerSender)(nil)

// NewIndexerSender creates a sender for the indexer service at baseURL.
func NewIndexerSender(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *IndexerSender {
	return &IndexerSender{client: rpc.NewIndexerServiceClient(httpClient, baseURL, opts...)}
}

// Send implements EventSender. The indexer must acknowledge at least the last
// sequence of the batch.
func (s *IndexerSender) Send(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}

	req := &rpc.IngestEventsRequest{Events: make([]*rpc.Event, 0, len(batch))}
	for i := range batch {
		req.Events = append(req.Events, rpc.EventFromModel(&batch[i]))
	}

	resp, err := s.client.IngestEvents(ctx, connect.NewRequest(req))
	if err != nil {
		return err
	}

	if last := batch[len(batch)-1].Sequence; resp.Msg.LastSequence < last {
		return fmt.Errorf("indexer acknowledged sequence %d, batch ends at %d", resp.Msg.LastSequence, last)
	}
	return nil
}

// retryable reports whether a failed send may succeed if repeated unchanged.
// Transport failures surface from connect as CodeUnavailable.
func retryable(err error) bool {
	switch connect.CodeOf(err) {
	case connect.CodeUnavailable, connect.CodeResourceExhausted, connect.CodeAborted, connect.CodeDeadlineExceeded:
		return true
	default:
		return false
	}
}
