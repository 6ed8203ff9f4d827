package rpc

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

// IndexerServiceName is the fully-qualified name of the service that receives
// forwarded registry events.
const IndexerServiceName = "indexer.v1.IndexerService"

const IndexerServiceIngestEventsProcedure = "/indexer.v1.IndexerService/IngestEvents"

// IngestEventsRequest carries a batch of events in sequence order. Batches may
// be redelivered after a failure, so indexers should ignore sequences they
// already hold.
type IngestEventsRequest struct {
	Events []*Event `json:"events"`
}

type IngestEventsResponse struct {
	// LastSequence is the highest sequence the indexer has stored.
	LastSequence uint64 `json:"last_sequence"`
}

// IndexerServiceHandler is implemented by event indexers.
type IndexerServiceHandler interface {
	IngestEvents(context.Context, *connect.Request[IngestEventsRequest]) (*connect.Response[IngestEventsResponse], error)
}

// NewIndexerServiceHandler builds an HTTP handler for the indexer service and
// returns the path to mount it on.
func NewIndexerServiceHandler(svc IndexerServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(Codec)}, opts...)

	handlers := map[string]http.Handler{
		IndexerServiceIngestEventsProcedure: connect.NewUnaryHandler(IndexerServiceIngestEventsProcedure, svc.IngestEvents, opts...),
	}

	return "/" + IndexerServiceName + "/", serviceMux(handlers)
}

// IndexerServiceClient is a client for the indexer service.
type IndexerServiceClient struct {
	ingestEvents *connect.Client[IngestEventsRequest, IngestEventsResponse]
}

// NewIndexerServiceClient constructs a client for the indexer service at
// baseURL.
func NewIndexerServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *IndexerServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(Codec)}, opts...)

	return &IndexerServiceClient{
		ingestEvents: connect.NewClient[IngestEventsRequest, IngestEventsResponse](httpClient, baseURL+IndexerServiceIngestEventsProcedure, opts...),
	}
}

func (c *IndexerServiceClient) IngestEvents(ctx context.Context, req *connect.Request[IngestEventsRequest]) (*connect.Response[IngestEventsResponse], error) {
	return c.ingestEvents.CallUnary(ctx, req)
}
