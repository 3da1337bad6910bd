package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"

	"ticketchain-backend/monitoring"
)

// Backend is the subset of *ethclient.Client the reader needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// BatchCaller coalesces several JSON-RPC calls into one round trip.
// *rpc.Client implements it.
type BatchCaller interface {
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

// Endpoint is one ledger provider. Batch may be nil, in which case batched
// reads are issued as concurrent single calls.
type Endpoint struct {
	Name    string
	Backend Backend
	Batch   BatchCaller
}

type Options struct {
	CallTimeout time.Duration
	Retries     int
	RetryDelay  time.Duration
	MaxBatch    int
}

func (o *Options) setDefaults() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 5 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 200
	}
}

// CallSpec is one read-only contract call.
type CallSpec struct {
	To   common.Address
	Data []byte
}

// Result is the outcome of one call inside a batch.
type Result struct {
	Data []byte
	Err  error
}

// Reader is a read facade over a prioritized list of endpoints. Every read
// tries endpoints strictly in configuration order, each with a bounded
// timeout and retry count, and fails with ErrUnreachable only when all of
// them are exhausted. Reverts stop the fallback immediately.
type Reader struct {
	endpoints []Endpoint
	opts      Options
	logger    *slog.Logger
}

func NewReader(endpoints []Endpoint, opts Options, logger *slog.Logger) (*Reader, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("ledger: no endpoints configured")
	}
	opts.setDefaults()
	return &Reader{endpoints: endpoints, opts: opts, logger: logger}, nil
}

// do runs fn against each endpoint in order until it succeeds.
func (r *Reader) do(ctx context.Context, op string, fn func(ctx context.Context, ep Endpoint) error) error {
	var lastErr error
	for _, ep := range r.endpoints {
		stop, err := r.tryEndpoint(ctx, ep, op, fn)
		if err == nil || stop {
			return err
		}
		lastErr = err
		r.logger.Warn("ledger endpoint exhausted, falling through", "endpoint", ep.Name, "op", op, "error", err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, op, lastErr)
}

// tryEndpoint runs fn against a single endpoint with bounded retries. stop
// is true when the error must not fall through to the next endpoint: a
// revert, or the caller's context ending.
func (r *Reader) tryEndpoint(ctx context.Context, ep Endpoint, op string, fn func(ctx context.Context, ep Endpoint) error) (stop bool, err error) {
	for attempt := 0; attempt <= r.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return true, ctx.Err()
			case <-time.After(r.opts.RetryDelay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
		start := time.Now()
		err = fn(attemptCtx, ep)
		cancel()

		switch {
		case err == nil:
			monitoring.TrackLedgerRead(ep.Name, op, "ok", time.Since(start))
			return true, nil
		case isRevert(err):
			monitoring.TrackLedgerRead(ep.Name, op, "reverted", time.Since(start))
			if errors.Is(err, ErrReverted) {
				return true, err
			}
			return true, fmt.Errorf("%w: %s: %v", ErrReverted, op, err)
		case isContextDone(ctx):
			return true, ctx.Err()
		}

		monitoring.TrackLedgerRead(ep.Name, op, "error", time.Since(start))
		r.logger.Debug("ledger read failed", "endpoint", ep.Name, "op", op, "attempt", attempt, "error", err)
	}
	return false, err
}

// Call executes a single eth_call at the latest block.
func (r *Reader) Call(ctx context.Context, spec CallSpec) ([]byte, error) {
	var out []byte
	err := r.do(ctx, "eth_call", func(ctx context.Context, ep Endpoint) error {
		res, err := ep.Backend.CallContract(ctx, ethereum.CallMsg{To: &spec.To, Data: spec.Data}, nil)
		if err != nil {
			return err
		}
		// Calls to missing functions or non-contract addresses return no data.
		if len(res) == 0 {
			return fmt.Errorf("%w: empty return data", ErrReverted)
		}
		out = res
		return nil
	})
	return out, err
}

// CallBatch executes specs and returns one Result per spec, in order.
// Batching is only an optimization: a transport failure of a whole batch
// falls back to the next endpoint, and per-call failures are retried as
// single calls so their own error (revert vs unreachable) is preserved.
func (r *Reader) CallBatch(ctx context.Context, specs []CallSpec) []Result {
	results := make([]Result, len(specs))
	for start := 0; start < len(specs); start += r.opts.MaxBatch {
		end := min(start+r.opts.MaxBatch, len(specs))
		r.callChunk(ctx, specs[start:end], results[start:end])
	}
	return results
}

func (r *Reader) callChunk(ctx context.Context, specs []CallSpec, results []Result) {
	var (
		elems   []rpc.BatchElem
		raw     []*hexutil.Bytes
		batched bool
	)
	for _, ep := range r.endpoints {
		if ep.Batch == nil {
			continue
		}
		_, err := r.tryEndpoint(ctx, ep, "eth_call_batch", func(ctx context.Context, ep Endpoint) error {
			elems, raw = batchElems(specs)
			return ep.Batch.BatchCallContext(ctx, elems)
		})
		if err == nil {
			batched = true
			break
		}
		if ctx.Err() != nil {
			fillErr(results, ctx.Err())
			return
		}
		r.logger.Warn("ledger batch failed, falling through", "endpoint", ep.Name, "size", len(specs), "error", err)
	}

	var retry []int
	if batched {
		for i, elem := range elems {
			switch {
			case elem.Error != nil && isRevert(elem.Error):
				results[i] = Result{Err: fmt.Errorf("%w: %v", ErrReverted, elem.Error)}
			case elem.Error != nil:
				retry = append(retry, i)
			case len(*raw[i]) == 0:
				results[i] = Result{Err: fmt.Errorf("%w: empty return data", ErrReverted)}
			default:
				results[i] = Result{Data: *raw[i]}
			}
		}
	} else {
		for i := range specs {
			retry = append(retry, i)
		}
	}
	if len(retry) == 0 {
		return
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, i := range retry {
		g.Go(func() error {
			data, err := r.Call(gctx, specs[i])
			mu.Lock()
			results[i] = Result{Data: data, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func batchElems(specs []CallSpec) ([]rpc.BatchElem, []*hexutil.Bytes) {
	elems := make([]rpc.BatchElem, len(specs))
	raw := make([]*hexutil.Bytes, len(specs))
	for i, spec := range specs {
		raw[i] = new(hexutil.Bytes)
		elems[i] = rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{
				map[string]interface{}{"to": spec.To, "data": hexutil.Bytes(spec.Data)},
				"latest",
			},
			Result: raw[i],
		}
	}
	return elems, raw
}

func fillErr(results []Result, err error) {
	for i := range results {
		if results[i].Data == nil && results[i].Err == nil {
			results[i].Err = err
		}
	}
}

// FilterLogs returns logs matching q.
func (r *Reader) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := r.do(ctx, "eth_getLogs", func(ctx context.Context, ep Endpoint) error {
		res, err := ep.Backend.FilterLogs(ctx, q)
		if err != nil {
			return err
		}
		logs = res
		return nil
	})
	return logs, err
}

// BlockTime returns the timestamp of block number.
func (r *Reader) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	var ts time.Time
	err := r.do(ctx, "eth_getBlockByNumber", func(ctx context.Context, ep Endpoint) error {
		header, err := ep.Backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return err
		}
		ts = time.Unix(int64(header.Time), 0).UTC()
		return nil
	})
	return ts, err
}

// LatestBlock returns the current head block number.
func (r *Reader) LatestBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := r.do(ctx, "eth_blockNumber", func(ctx context.Context, ep Endpoint) error {
		n, err := ep.Backend.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	return head, err
}

// EndpointHead is the health of one endpoint.
type EndpointHead struct {
	Name  string `json:"name"`
	Block uint64 `json:"block,omitempty"`
	Error string `json:"error,omitempty"`
}

// Heads queries every endpoint directly, without fallback, for health
// reporting.
func (r *Reader) Heads(ctx context.Context) []EndpointHead {
	heads := make([]EndpointHead, len(r.endpoints))
	var wg sync.WaitGroup
	for i, ep := range r.endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
			defer cancel()
			heads[i].Name = ep.Name
			n, err := ep.Backend.BlockNumber(callCtx)
			if err != nil {
				heads[i].Error = err.Error()
				return
			}
			heads[i].Block = n
		}()
	}
	wg.Wait()
	return heads
}
