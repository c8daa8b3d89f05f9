package encoding

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/quarrel-rename/internal/dataset"
	"github.com/23skdu/quarrel-rename/internal/logger"
	"github.com/23skdu/quarrel-rename/internal/metrics"
)

// Request is the DoGet ticket payload sent to an encoder service.
type Request struct {
	Functions       []dataset.Function `json:"functions"`
	AttentionTarget string             `json:"attention_target,omitempty"`
}

// FlightEncoder fetches encodings from a remote encoder over Arrow Flight.
type FlightEncoder struct {
	client          flight.Client
	addr            string
	attentionTarget string
	timeout         time.Duration
}

func NewFlightEncoder(addr, attentionTarget string, timeout time.Duration) (*FlightEncoder, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FlightEncoder{client: client, addr: addr, attentionTarget: attentionTarget, timeout: timeout}, nil
}

func (e *FlightEncoder) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

func (e *FlightEncoder) Encode(ctx context.Context, fns []dataset.Function) (*Context, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	payload, err := json.Marshal(Request{Functions: fns, AttentionTarget: e.attentionTarget})
	if err != nil {
		return nil, err
	}
	stream, err := e.client.DoGet(ctx, &flight.Ticket{Ticket: payload})
	if err != nil {
		return nil, fmt.Errorf("DoGet %s: %w", e.addr, remoteError(err))
	}
	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to read encoding stream: %w", remoteError(err))
	}
	defer r.Release()

	c := newCollector()
	for r.Next() {
		if err := c.add(r.Record()); err != nil {
			return nil, err
		}
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("encoding stream: %w", remoteError(err))
	}

	t, err := c.table()
	if err != nil {
		return nil, err
	}
	encs, err := t.Lookup(fns)
	if err != nil {
		return nil, err
	}
	out, err := Assemble(fns, encs)
	if err != nil {
		metrics.RecordValidationError("encode", "malformed_encoding")
		return nil, err
	}
	metrics.RecordEncoder("flight", time.Since(start))
	return out, nil
}

// remoteError turns a NotFound status back into ErrNoEncoding.
func remoteError(err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %s", ErrNoEncoding, status.Convert(err).Message())
	}
	return err
}

// Source answers encoding requests on the server side.
type Source interface {
	Lookup(fns []dataset.Function) ([]FunctionEncoding, error)
}

// EncodingServer streams encodings from a Source to FlightEncoder clients.
type EncodingServer struct {
	flight.BaseFlightServer
	source Source
	mem    memory.Allocator
}

func NewEncodingServer(source Source) *EncodingServer {
	return &EncodingServer{source: source, mem: memory.NewGoAllocator()}
}

func (s *EncodingServer) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	var req Request
	if err := json.Unmarshal(tkt.GetTicket(), &req); err != nil {
		return fmt.Errorf("invalid ticket: %w", err)
	}
	encs, err := s.source.Lookup(req.Functions)
	if errors.Is(err, ErrNoEncoding) {
		return status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return err
	}
	if len(encs) == 0 {
		return nil
	}
	_, width := encs[0].Nodes.Dims()
	w := flight.NewRecordWriter(fs, ipc.WithSchema(Schema(width)), ipc.WithAllocator(s.mem))
	defer w.Close()

	for _, e := range encs {
		rec, err := NewRecord(s.mem, e)
		if err != nil {
			return err
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	logger.Log.Debug("Served encodings", "functions", len(encs), "attention_target", req.AttentionTarget)
	return nil
}

// Serve starts a Flight server for source on addr. Shutdown stops it.
func Serve(addr string, source Source) (flight.Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(NewEncodingServer(source))
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Log.Error("Flight server stopped", "err", err)
		}
	}()
	logger.Log.Info("Encoding server listening", "addr", srv.Addr().String())
	return srv, nil
}
