// Package attendees finds the holders of an event's tickets by probing the
// token id space.
//
// The scan is a heuristic. It is complete only when token ids are allocated
// densely from 0 and the configured ceiling exceeds the highest id ever
// minted. Neither property is checked by the ticket contract; deployments
// that break them get a silently smaller attendee list.
package attendees

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"ticketchain-backend/contracts"
	"ticketchain-backend/ledger"
)

// Prober reads (bound event, owner) for a batch of token ids.
type Prober interface {
	Probe(ctx context.Context, ids []uint64) []contracts.Probe
}

type Options struct {
	BatchSize uint64
	Ceiling   uint64
}

type Scanner struct {
	prober Prober
	opts   Options
	logger *slog.Logger
}

func NewScanner(prober Prober, opts Options, logger *slog.Logger) *Scanner {
	if opts.BatchSize == 0 {
		opts.BatchSize = 100
	}
	if opts.Ceiling == 0 {
		opts.Ceiling = 10_000
	}
	return &Scanner{prober: prober, opts: opts, logger: logger}
}

// Result lists unique holders in discovery order. Exhausted is true when
// the scan hit the id ceiling before finding expected holders.
type Result struct {
	Addresses []common.Address
	Probed    uint64
	Failed    uint64
	Exhausted bool
}

// Scan probes ids [0, ceiling) batch by batch and keeps owners of tickets
// bound to eventID. It stops after the batch in which the number of unique
// holders reaches expected. Unreadable ids count as non-matches.
func (s *Scanner) Scan(ctx context.Context, eventID, expected uint64) (*Result, error) {
	res := &Result{Addresses: []common.Address{}}
	if expected == 0 {
		return res, nil
	}

	var (
		seen        = make(map[common.Address]struct{})
		unreachable uint64
	)
	for start := uint64(0); start < s.opts.Ceiling; start += s.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := min(start+s.opts.BatchSize, s.opts.Ceiling)
		ids := make([]uint64, 0, end-start)
		for id := start; id < end; id++ {
			ids = append(ids, id)
		}

		for _, p := range s.prober.Probe(ctx, ids) {
			res.Probed++
			if p.Err != nil {
				res.Failed++
				if errors.Is(p.Err, ledger.ErrUnreachable) {
					unreachable++
				}
				continue
			}
			if p.EventID != eventID || p.Owner == (common.Address{}) {
				continue
			}
			if _, ok := seen[p.Owner]; ok {
				continue
			}
			seen[p.Owner] = struct{}{}
			res.Addresses = append(res.Addresses, p.Owner)
		}

		if uint64(len(res.Addresses)) >= expected {
			s.logger.Debug("attendee scan complete", "event_id", eventID, "found", len(res.Addresses), "probed", res.Probed)
			return res, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if res.Probed > 0 && unreachable == res.Probed {
		return nil, fmt.Errorf("%w: attendee scan for event %d", ledger.ErrUnreachable, eventID)
	}

	res.Exhausted = true
	s.logger.Warn("attendee scan reached id ceiling",
		"event_id", eventID,
		"found", len(res.Addresses),
		"expected", expected,
		"ceiling", s.opts.Ceiling,
		"failed", res.Failed,
	)
	return res, nil
}
