package manifest

import (
	"slices"

	"github.com/nemanja-m/gobatch/pkg/core"
)

// oversizeFactor is how far past the goal a single chunk may go before it is
// sliced into record ranges.
const oversizeFactor = 1.5

// SplitByGoalSize groups consecutive chunks into manifests of roughly target
// bytes. A chunk larger than the goal is sliced into record ranges whose
// sizes are estimated from the chunk's average record size. Concatenating the
// groups yields exactly the records of m, in order.
func (m Manifest) SplitByGoalSize(target int64) []Manifest {
	if m.Empty() {
		return nil
	}
	if target <= 0 {
		return []Manifest{m.Clone()}
	}

	var (
		groups  []Manifest
		current []ChunkInfo
		size    int64
	)
	flush := func() {
		if len(current) > 0 {
			groups = append(groups, m.WithChunks(current))
			current, size = nil, 0
		}
	}

	for _, c := range m.Chunks {
		if float64(c.Size) > oversizeFactor*float64(target) && c.Records > 1 {
			flush()
			for _, piece := range sliceChunk(c, target) {
				groups = append(groups, m.WithChunks([]ChunkInfo{piece}))
			}
			continue
		}
		if size > 0 && size+c.Size > target {
			flush()
		}
		current = append(current, c)
		size += c.Size
	}
	flush()
	return groups
}

func sliceChunk(c ChunkInfo, target int64) []ChunkInfo {
	n := (c.Size + target - 1) / target
	n = min(max(n, 1), c.Records)

	pieces := make([]ChunkInfo, 0, n)
	per, extra := c.Records/n, c.Records%n
	start := c.Offset
	for i := range n {
		count := per
		if i < extra {
			count++
		}
		piece := c
		piece.Offset = start
		piece.Limit = count
		piece.Records = count
		piece.Size = c.Size * count / c.Records
		pieces = append(pieces, piece)
		start += count
	}
	return pieces
}

// SplitByPartition returns one manifest per partition, in partition order.
// Partitions without chunks yield empty manifests.
func (m Manifest) SplitByPartition() []Manifest {
	buckets := make([][]ChunkInfo, m.Partitions())
	for _, c := range m.Chunks {
		buckets[c.Partition] = append(buckets[c.Partition], c)
	}
	out := make([]Manifest, len(buckets))
	for i, chunks := range buckets {
		out[i] = m.WithChunks(chunks)
	}
	return out
}

// Runs decomposes individually sorted chunks into chains of mutually
// non-overlapping chunks. Each chain can be read sequentially as one sorted
// stream. Partitions are not separated; callers split by partition first.
func (m Manifest) Runs(sorter core.Sorter) [][]ChunkInfo {
	chunks := make([]ChunkInfo, 0, len(m.Chunks))
	for _, c := range m.Chunks {
		if c.Records > 0 {
			chunks = append(chunks, c)
		}
	}
	slices.SortStableFunc(chunks, func(a, b ChunkInfo) int {
		return sorter.Compare(a.FirstKey, b.FirstKey)
	})

	var runs [][]ChunkInfo
	for _, c := range chunks {
		placed := false
		for i, run := range runs {
			last := run[len(run)-1]
			if sorter.Compare(last.LastKey, c.FirstKey) <= 0 {
				runs[i] = append(run, c)
				placed = true
				break
			}
		}
		if !placed {
			runs = append(runs, []ChunkInfo{c})
		}
	}
	return runs
}

// SplitSort separates chunks that still have to be pre-sorted under sortName,
// grouped by goal size, from chunks already ordered by it.
func (m Manifest) SplitSort(sortName string, target int64) ([]Manifest, Manifest) {
	var unsorted, sorted []ChunkInfo
	for _, c := range m.Chunks {
		if c.Sort == sortName && sortName != "" {
			sorted = append(sorted, c)
		} else {
			unsorted = append(unsorted, c)
		}
	}
	pending := m.WithChunks(unsorted)
	pending.Sort = ""
	done := m.WithChunks(sorted)
	if len(unsorted) > 0 {
		done.Sort = ""
	}
	return pending.SplitByGoalSize(target), done
}

// SplitMergepart plans one round of a bounded fan-in merge. Every partition
// with more than maxFiles runs has its runs grouped maxFiles at a time; each
// group is to be merged into a single sorted run. Runs that are not grouped
// are returned unchanged in carry. No groups means every partition can be
// merged in a single pass.
func (m Manifest) SplitMergepart(sorter core.Sorter, maxFiles int) ([]Manifest, Manifest) {
	maxFiles = max(maxFiles, 2)

	var (
		groups []Manifest
		carry  []ChunkInfo
	)
	for _, part := range m.SplitByPartition() {
		runs := part.Runs(sorter)
		if len(runs) <= maxFiles {
			carry = append(carry, part.Chunks...)
			continue
		}
		for i := 0; i < len(runs); i += maxFiles {
			batch := runs[i:min(i+maxFiles, len(runs))]
			if len(batch) == 1 {
				carry = append(carry, batch[0]...)
				continue
			}
			group := m.WithChunks(slices.Concat(batch...))
			group.Sort = ""
			groups = append(groups, group)
		}
	}
	rest := m.WithChunks(carry)
	if len(groups) > 0 {
		rest.Sort = ""
	}
	return groups, rest
}

// ExpectedMergeRounds estimates how many bounded fan-in rounds a dataset of
// the given number of runs needs before a single pass suffices.
func ExpectedMergeRounds(runs, maxFiles int) int {
	maxFiles = max(maxFiles, 2)
	rounds := 0
	for runs > maxFiles {
		runs = (runs + maxFiles - 1) / maxFiles
		rounds++
	}
	return rounds
}
