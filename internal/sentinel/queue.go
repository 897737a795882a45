package sentinel

import (
	"sync"
	"time"

	"github.com/polydeck/terminal/internal/metrics"
)

// ProposalQueue holds pending proposals with bounded capacity and lazy
// expiry. When the queue is full the oldest proposal is dropped. Expired
// PENDING proposals are swept on every read, so a stale proposal can never
// be returned or decided.
type ProposalQueue struct {
	mu        sync.Mutex
	capacity  int
	proposals []*SentinelProposal
	byID      map[string]*SentinelProposal
}

// NewProposalQueue creates a queue holding at most capacity proposals.
func NewProposalQueue(capacity int) *ProposalQueue {
	if capacity <= 0 {
		capacity = 50
	}
	return &ProposalQueue{
		capacity: capacity,
		byID:     make(map[string]*SentinelProposal),
	}
}

// Add appends a proposal, evicting the oldest when full.
func (q *ProposalQueue) Add(p *SentinelProposal) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.proposals) >= q.capacity {
		oldest := q.proposals[0]
		q.proposals = q.proposals[1:]
		delete(q.byID, oldest.ID)
	}
	q.proposals = append(q.proposals, p)
	q.byID[p.ID] = p
	q.updatePendingGauge()
}

// Pending returns all proposals still awaiting a decision.
func (q *ProposalQueue) Pending() []*SentinelProposal {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireOld()
	var pending []*SentinelProposal
	for _, p := range q.proposals {
		if p.Status == ProposalPending {
			pending = append(pending, p)
		}
	}
	return pending
}

// ByID returns a proposal by identifier, or nil.
func (q *ProposalQueue) ByID(id string) *SentinelProposal {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireOld()
	return q.byID[id]
}

// Approve transitions a still-valid pending proposal to APPROVED. Returns
// nil if the proposal is unknown, already decided or expired.
func (q *ProposalQueue) Approve(id string) *SentinelProposal {
	return q.decide(id, ProposalApproved)
}

// Reject transitions a still-valid pending proposal to REJECTED. Returns
// nil if the proposal is unknown, already decided or expired.
func (q *ProposalQueue) Reject(id string) *SentinelProposal {
	return q.decide(id, ProposalRejected)
}

func (q *ProposalQueue) decide(id string, status ProposalStatus) *SentinelProposal {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireOld()
	p, ok := q.byID[id]
	if !ok || !p.IsValid() {
		return nil
	}
	now := time.Now().UTC()
	p.Status = status
	p.DecidedAt = &now
	q.updatePendingGauge()
	metrics.ProposalsTotal.WithLabelValues(string(status)).Inc()
	return p
}

// expireOld marks overdue pending proposals as EXPIRED. Callers hold the
// lock.
func (q *ProposalQueue) expireOld() {
	now := time.Now().UTC()
	for _, p := range q.proposals {
		if p.Status == ProposalPending && now.After(p.ExpiresAt) {
			p.Status = ProposalExpired
			metrics.ProposalsTotal.WithLabelValues(string(ProposalExpired)).Inc()
		}
	}
	q.updatePendingGauge()
}

func (q *ProposalQueue) updatePendingGauge() {
	pending := 0
	for _, p := range q.proposals {
		if p.Status == ProposalPending {
			pending++
		}
	}
	metrics.PendingProposals.Set(float64(pending))
}

// QueueStats summarizes queue composition by status.
type QueueStats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Expired  int `json:"expired"`
}

// Stats sweeps expiries and returns current composition.
func (q *ProposalQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireOld()
	stats := QueueStats{Total: len(q.proposals)}
	for _, p := range q.proposals {
		switch p.Status {
		case ProposalPending:
			stats.Pending++
		case ProposalApproved:
			stats.Approved++
		case ProposalRejected:
			stats.Rejected++
		case ProposalExpired:
			stats.Expired++
		}
	}
	return stats
}
