// Package settlement implements the settlement collaborator contract of
// spec.md §6/§9: a poller that drains the receipt ledger and reports
// bandwidth-weighted batches toward an out-of-band settlement mechanism.
// On-chain settlement itself is an explicit Non-goal of spec.md §1 ("only
// the primitives relays produce — receipts — are specified; the ledger
// that consumes them is external"), so this is a logging reference poller,
// not a chain client.
//
// Grounded on cmd/relay/main.go's own OnMessageRelayed callback and
// heartbeat loop in the teacher repo, which leave blockchain reporting as
// a logged TODO ("Message relayed (will report to blockchain)" /
// "TODO: Send heartbeat to blockchain") rather than a real chain
// integration — this package keeps that exact texture instead of
// fabricating a chain client the spec explicitly excludes.
package settlement

import (
	"log"
	"time"

	"github.com/shardcore/corenet/pkg/ids"
	"github.com/shardcore/corenet/pkg/ledger"
	"github.com/shardcore/corenet/pkg/shard"
)

// DefaultPollInterval is how often the poller drains the ledger.
const DefaultPollInterval = 5 * time.Minute

// DefaultDrainBatchSize bounds how many receipts are drained per poll.
const DefaultDrainBatchSize = 1000

// DefaultBandwidthWindow is the trailing window bandwidth is aggregated over.
const DefaultBandwidthWindow = time.Hour

// Reporter is the external collaborator's submission surface (spec.md §9:
// "submits receipts to an out-of-band ledger — a blockchain program in the
// reference deployment"). The core takes no opinion on what satisfies it;
// LogReporter below is the only implementation this module ships.
type Reporter interface {
	ReportReceipts(batch []*shard.ForwardReceipt) error
	ReportBandwidth(window time.Duration, byPeer map[ids.PublicKey]uint64) error
}

// LogReporter is a Reporter that only logs what would be submitted.
// TODO: replace with a real chain client once a settlement contract exists.
type LogReporter struct{}

func (LogReporter) ReportReceipts(batch []*shard.ForwardReceipt) error {
	log.Printf("settlement: %d receipts drained (will report to chain)", len(batch))
	return nil
}

func (LogReporter) ReportBandwidth(window time.Duration, byPeer map[ids.PublicKey]uint64) error {
	log.Printf("settlement: bandwidth over %s for %d peers (will report to chain)", window, len(byPeer))
	return nil
}

// Poller periodically drains a ledger's receipts and bandwidth aggregates
// and hands them to a Reporter.
type Poller struct {
	ledger   *ledger.Ledger
	reporter Reporter

	pollInterval    time.Duration
	drainBatchSize  int
	bandwidthWindow time.Duration

	stop chan struct{}
}

// Config wires a Poller's collaborators.
type Config struct {
	Ledger          *ledger.Ledger
	Reporter        Reporter // defaults to LogReporter{} if nil
	PollInterval    time.Duration
	DrainBatchSize  int
	BandwidthWindow time.Duration
}

// New builds a Poller. It does not start polling until Start is called.
func New(cfg Config) *Poller {
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = LogReporter{}
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	drainBatchSize := cfg.DrainBatchSize
	if drainBatchSize <= 0 {
		drainBatchSize = DefaultDrainBatchSize
	}
	bandwidthWindow := cfg.BandwidthWindow
	if bandwidthWindow <= 0 {
		bandwidthWindow = DefaultBandwidthWindow
	}

	return &Poller{
		ledger:          cfg.Ledger,
		reporter:        reporter,
		pollInterval:    pollInterval,
		drainBatchSize:  drainBatchSize,
		bandwidthWindow: bandwidthWindow,
		stop:            make(chan struct{}),
	}
}

// Start runs the poll loop until Stop is called. Intended to be run in its
// own goroutine.
func (p *Poller) Start() {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

// Stop ends the poll loop.
func (p *Poller) Stop() {
	close(p.stop)
}

func (p *Poller) pollOnce() {
	batch, err := p.ledger.DrainBatch(p.drainBatchSize)
	if err != nil {
		log.Printf("settlement: failed to drain ledger: %v", err)
		return
	}
	if len(batch) > 0 {
		if err := p.reporter.ReportReceipts(batch); err != nil {
			log.Printf("settlement: failed to report receipts: %v", err)
		}
	}

	byPeer, err := p.ledger.BandwidthByPeer(p.bandwidthWindow)
	if err != nil {
		log.Printf("settlement: failed to aggregate bandwidth: %v", err)
		return
	}
	if len(byPeer) > 0 {
		if err := p.reporter.ReportBandwidth(p.bandwidthWindow, byPeer); err != nil {
			log.Printf("settlement: failed to report bandwidth: %v", err)
		}
	}
}
