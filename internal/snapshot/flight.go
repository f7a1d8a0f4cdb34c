package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/quarrel-kvblocks/internal/logger"
)

// DefaultPort is the Flight data port of the offload store.
const DefaultPort = 3000

// FlightClient pushes block snapshots to an Arrow Flight endpoint.
type FlightClient struct {
	client flight.Client
	addr   string
	path   []string
	mem    memory.Allocator
}

// NewFlightClient prepares a client for host:port. Snapshots are written
// under the descriptor path "kv/blocks".
func NewFlightClient(host string, port int) *FlightClient {
	if port <= 0 {
		port = DefaultPort
	}
	return &FlightClient{
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		path: []string{"kv", "blocks"},
		mem:  memory.DefaultAllocator,
	}
}

func (fc *FlightClient) Addr() string { return fc.addr }

// Connect dials the Flight server.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddlewareCtx(ctx, fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

// Close disconnects from the Flight server
func (fc *FlightClient) Close() error {
	if fc.client != nil {
		err := fc.client.Close()
		fc.client = nil
		return err
	}
	return nil
}

// DoPut streams rec to the server and waits for it to acknowledge.
func (fc *FlightClient) DoPut(ctx context.Context, rec arrow.Record) error {
	if fc.client == nil {
		return errors.New("client not connected, call Connect() first")
	}
	if rec == nil || rec.NumRows() == 0 {
		return errors.New("no blocks in snapshot")
	}

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(fc.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: fc.path,
	})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close DoPut stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut rejected: %w", err)
		}
	}

	logger.Log.Debug("snapshot offloaded", "addr", fc.addr, "rows", rec.NumRows())
	return nil
}
