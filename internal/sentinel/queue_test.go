package sentinel_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/polydeck/terminal/internal/sentinel"
)

func newProposal(expiresIn time.Duration) *sentinel.SentinelProposal {
	now := time.Now().UTC()
	return &sentinel.SentinelProposal{
		ID:               sentinel.NewProposalID(),
		TriggerType:      sentinel.TriggerPriceBelow,
		TriggerThreshold: decimal.RequireFromString("0.45"),
		SuggestedSide:    "BUY",
		CreatedAt:        now,
		ExpiresAt:        now.Add(expiresIn),
		Status:           sentinel.ProposalPending,
	}
}

func TestQueueAddEvictsOldest(t *testing.T) {
	q := sentinel.NewProposalQueue(2)

	first := newProposal(time.Minute)
	second := newProposal(time.Minute)
	third := newProposal(time.Minute)
	q.Add(first)
	q.Add(second)
	q.Add(third)

	assert.Nil(t, q.ByID(first.ID))
	assert.NotNil(t, q.ByID(second.ID))
	assert.NotNil(t, q.ByID(third.ID))
	assert.Equal(t, 2, q.Stats().Total)
}

func TestQueueApproveRejectLifecycle(t *testing.T) {
	q := sentinel.NewProposalQueue(10)

	p := newProposal(time.Minute)
	q.Add(p)

	approved := q.Approve(p.ID)
	assert.NotNil(t, approved)
	assert.Equal(t, sentinel.ProposalApproved, approved.Status)
	assert.NotNil(t, approved.DecidedAt)

	// A decided proposal cannot transition again.
	assert.Nil(t, q.Approve(p.ID))
	assert.Nil(t, q.Reject(p.ID))

	r := newProposal(time.Minute)
	q.Add(r)
	rejected := q.Reject(r.ID)
	assert.NotNil(t, rejected)
	assert.Equal(t, sentinel.ProposalRejected, rejected.Status)
}

func TestExpiredProposalNeverReturnedOrDecidable(t *testing.T) {
	q := sentinel.NewProposalQueue(10)

	p := newProposal(-time.Second)
	q.Add(p)

	assert.Empty(t, q.Pending())
	assert.Nil(t, q.Approve(p.ID))
	assert.Nil(t, q.Reject(p.ID))

	// The sweep marked it expired rather than deleting it.
	got := q.ByID(p.ID)
	assert.NotNil(t, got)
	assert.Equal(t, sentinel.ProposalExpired, got.Status)
	assert.False(t, got.IsValid())
}

func TestQueueStats(t *testing.T) {
	q := sentinel.NewProposalQueue(10)

	a := newProposal(time.Minute)
	b := newProposal(time.Minute)
	c := newProposal(-time.Second)
	q.Add(a)
	q.Add(b)
	q.Add(c)
	q.Approve(a.ID)

	stats := q.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Approved)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 0, stats.Rejected)

	pending := q.Pending()
	assert.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
}

func TestProposalTimeRemaining(t *testing.T) {
	p := newProposal(time.Minute)
	assert.True(t, p.TimeRemaining() > 0)
	assert.True(t, p.IsValid())

	expired := newProposal(-time.Minute)
	assert.Equal(t, time.Duration(0), expired.TimeRemaining())
	assert.False(t, expired.IsValid())
}
