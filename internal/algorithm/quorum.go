// Package algorithm holds the replication placement math.
package algorithm

import "github.com/adaptix/tiercache/internal/model"

// ReplicationPolicy holds the replication factors applied to every piece
// of content unless a caller overrides the desired factor per write.
type ReplicationPolicy struct {
	MinFactor    int
	TargetFactor int
	MaxFactor    int
}

// DefaultReplicationPolicy returns the documented defaults
func DefaultReplicationPolicy() ReplicationPolicy {
	return ReplicationPolicy{
		MinFactor:    3,
		TargetFactor: 4,
		MaxFactor:    5,
	}
}

// QuorumCalculator derives per-operation replica requirements from the
// policy and the number of eligible tiers.
type QuorumCalculator struct {
	policy ReplicationPolicy
}

// NewQuorumCalculator creates a calculator for the given policy
func NewQuorumCalculator(policy ReplicationPolicy) *QuorumCalculator {
	if policy.MinFactor <= 0 {
		policy = DefaultReplicationPolicy()
	}
	return &QuorumCalculator{policy: policy}
}

// QuorumSize returns the successful writes required to call a
// replication operation durable, given eligibleTiers eligible targets.
func (q *QuorumCalculator) QuorumSize(eligibleTiers int) int {
	majority := eligibleTiers/2 + 1
	if q.policy.MinFactor > majority {
		return q.policy.MinFactor
	}
	return majority
}

// Target returns the replica count the operation aims for
func (q *QuorumCalculator) Target(eligibleTiers int) int {
	if q.policy.TargetFactor < eligibleTiers {
		return q.policy.TargetFactor
	}
	return eligibleTiers
}

// MaxAttempts returns the upper bound of write attempts
func (q *QuorumCalculator) MaxAttempts(eligibleTiers int) int {
	if q.policy.MaxFactor < eligibleTiers {
		return q.policy.MaxFactor
	}
	return eligibleTiers
}

// Classify maps a succeeded count onto a replication state. Quorum
// dominates: when the eligible tier count makes the quorum unreachable,
// the result is below-quorum no matter how many writes landed.
func (q *QuorumCalculator) Classify(succeeded, eligibleTiers int) model.ReplicationState {
	switch {
	case succeeded == 0:
		return model.ReplicationStateNone
	case succeeded < q.QuorumSize(eligibleTiers):
		return model.ReplicationStateBelowQuorum
	case succeeded >= q.Target(eligibleTiers):
		return model.ReplicationStateTargetAchieved
	default:
		return model.ReplicationStateQuorumAchieved
	}
}

// IsQuorumReached reports whether succeeded meets the quorum
func (q *QuorumCalculator) IsQuorumReached(succeeded, eligibleTiers int) bool {
	return succeeded >= q.QuorumSize(eligibleTiers)
}

// Policy returns the calculator's policy
func (q *QuorumCalculator) Policy() ReplicationPolicy {
	return q.policy
}

// WithTargetOverride returns a calculator whose target factor is
// replaced by the caller's desired replication factor, clamped to the
// policy's max.
func (q *QuorumCalculator) WithTargetOverride(desired int) *QuorumCalculator {
	if desired <= 0 {
		return q
	}
	policy := q.policy
	policy.TargetFactor = desired
	if policy.TargetFactor > policy.MaxFactor {
		policy.TargetFactor = policy.MaxFactor
	}
	return &QuorumCalculator{policy: policy}
}
