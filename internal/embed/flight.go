package embed

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// PortData is the conventional Flight data port of a longbow vector
// store.
const PortData = 3000

// FlightClient fetches embedding tables over Arrow Flight.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// NewFlightClient prepares a client for the given data endpoint.
func NewFlightClient(host string, port int) *FlightClient {
	if port <= 0 {
		port = PortData
	}
	return &FlightClient{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: 30 * time.Second,
	}
}

// Connect establishes the gRPC connection to the Flight server.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

// Close disconnects from the Flight server.
func (fc *FlightClient) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

// Fetch streams the embedding table named by ticket and converts it
// to Q16.16.
func (fc *FlightClient) Fetch(ctx context.Context, ticket string) (*Table, error) {
	if fc.client == nil {
		return nil, fmt.Errorf("client not connected, call Connect() first")
	}

	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(ticket)})
	if err != nil {
		return nil, fmt.Errorf("DoGet failed: %w", err)
	}

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to open record stream: %w", err)
	}
	defer rdr.Release()

	t := &Table{}
	for rdr.Next() {
		if err := t.appendRecord(rdr.Record()); err != nil {
			return nil, err
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("failed to read record stream: %w", err)
	}
	if t.Vocab == 0 {
		return nil, fmt.Errorf("flight stream %q contained no embedding rows", ticket)
	}

	logger.Log.Info("embedding table fetched", "ticket", ticket, "vocab", t.Vocab, "dim", t.Dim)
	return t, nil
}
