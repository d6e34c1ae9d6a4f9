package vault

import "math/big"

// SampleSource is the read side of the append-only reward sample log. Indices
// form a strict total order starting at zero; no claim may skip or reorder
// samples.
type SampleSource interface {
	// SampleCount returns the number of appended samples.
	SampleCount() (uint64, error)
	// Sample returns the entry at the given index.
	Sample(index uint64) (*Sample, error)
}

// ComputeClaimable walks the sample log from cursor+1 through at most
// pageSize entries and returns the accrued share plus the index of the last
// sample actually visited. The walk compounds within the call: a share earned
// from an earlier sample increases the base for the next one. All divisions
// truncate and the multiply-then-divide order is load-bearing:
//
//	share = reward * (staked + accrued) / tvl
//
// A record with no stake fast-forwards to the newest index with zero accrual:
// every share it could compute is zero, and a brand-new account owes nothing
// for history that predates it. The function never mutates anything; callers
// advance their cursor with the returned index.
func ComputeClaimable(src SampleSource, cursor int64, staked *big.Int, pageSize uint64) (*big.Int, int64, error) {
	count, err := src.SampleCount()
	if err != nil {
		return nil, cursor, err
	}
	newest := int64(count) - 1

	if staked == nil || staked.Sign() == 0 {
		return big.NewInt(0), newest, nil
	}
	if cursor < SentinelClaimIndex {
		cursor = SentinelClaimIndex
	}
	if cursor >= newest {
		// Already caught up. Repeated calls are zero-movement no-ops.
		return big.NewInt(0), cursor, nil
	}

	end := newest
	if pageSize > 0 {
		if bounded := cursor + int64(pageSize); bounded > cursor && bounded < end {
			end = bounded
		}
	} else {
		end = cursor
	}

	accrued := big.NewInt(0)
	for i := cursor + 1; i <= end; i++ {
		sample, err := src.Sample(uint64(i))
		if err != nil {
			return nil, cursor, err
		}
		if sample.TVL == nil || sample.TVL.Sign() <= 0 {
			continue
		}
		base := new(big.Int).Add(staked, accrued)
		share := new(big.Int).Mul(sample.Reward, base)
		share.Quo(share, sample.TVL)
		accrued.Add(accrued, share)
	}
	return accrued, end, nil
}
