package chunker

import (
	"slices"

	"github.com/google/btree"

	"github.com/nemanja-m/gobatch/pkg/core"
	"github.com/nemanja-m/gobatch/pkg/manifest"
)

// recordOverhead approximates the in-memory cost of one record beyond its
// key and value bytes.
const recordOverhead = 48

// Holder accumulates the records of one chunk before it is written.
type Holder interface {
	Write(kv core.KeyValue) error
	// PrepRead is called once before Read, after the last Write.
	PrepRead() error
	Read(fn func(core.KeyValue) error) error
	Clear()
	Oversized(goal int64) bool
	SetFileInfo(info *manifest.ChunkInfo)
	Len() int
}

// SummarizeFunc combines two values of equal keys.
type SummarizeFunc func(total, add []byte) ([]byte, error)

func recordSize(kv core.KeyValue) int64 {
	return int64(len(kv.Key)+len(kv.Value)) + recordOverhead
}

func oversized(size, goal int64) bool {
	return goal > 0 && size >= goal
}

// HoldHolder keeps records in arrival order.
type HoldHolder struct {
	sortName string
	records  []core.KeyValue
	size     int64
}

// NewHoldHolder returns a holder for records that are written either unsorted
// (empty sortName) or already ordered by sortName.
func NewHoldHolder(sortName string) *HoldHolder {
	return &HoldHolder{sortName: sortName}
}

func (h *HoldHolder) Write(kv core.KeyValue) error {
	h.records = append(h.records, kv)
	h.size += recordSize(kv)
	return nil
}

func (h *HoldHolder) PrepRead() error { return nil }

func (h *HoldHolder) Read(fn func(core.KeyValue) error) error {
	for _, kv := range h.records {
		if err := fn(kv); err != nil {
			return err
		}
	}
	return nil
}

func (h *HoldHolder) Clear() {
	clear(h.records)
	h.records = h.records[:0]
	h.size = 0
}

func (h *HoldHolder) Oversized(goal int64) bool { return oversized(h.size, goal) }

func (h *HoldHolder) Len() int { return len(h.records) }

func (h *HoldHolder) SetFileInfo(info *manifest.ChunkInfo) {
	setBounds(info, h.records, h.sortName)
}

// SortHolder stably sorts its records before they are read.
type SortHolder struct {
	HoldHolder
	sorter core.Sorter
}

func NewSortHolder(sorter core.Sorter, sortName string) *SortHolder {
	return &SortHolder{HoldHolder: HoldHolder{sortName: sortName}, sorter: sorter}
}

func (h *SortHolder) PrepRead() error {
	slices.SortStableFunc(h.records, func(a, b core.KeyValue) int {
		return h.sorter.Compare(a.Key, b.Key)
	})
	return nil
}

func setBounds(info *manifest.ChunkInfo, records []core.KeyValue, sortName string) {
	info.Records = int64(len(records))
	info.Sort = sortName
	if len(records) == 0 {
		return
	}
	info.FirstKey = slices.Clone(records[0].Key)
	info.LastKey = slices.Clone(records[len(records)-1].Key)
}

type summaryItem struct {
	key   []byte
	value []byte
}

// SummaryHolder keeps one record per distinct key, combining the values of
// equal keys as they are written.
type SummaryHolder struct {
	sortName  string
	tree      *btree.BTreeG[*summaryItem]
	summarize SummarizeFunc
	size      int64
}

func NewSummaryHolder(sorter core.Sorter, sortName string, summarize SummarizeFunc) *SummaryHolder {
	less := func(a, b *summaryItem) bool {
		return sorter.Compare(a.key, b.key) < 0
	}
	return &SummaryHolder{
		sortName:  sortName,
		tree:      btree.NewG(32, less),
		summarize: summarize,
	}
}

func (h *SummaryHolder) Write(kv core.KeyValue) error {
	item, found := h.tree.Get(&summaryItem{key: kv.Key})
	if !found {
		h.tree.ReplaceOrInsert(&summaryItem{key: kv.Key, value: kv.Value})
		h.size += recordSize(kv)
		return nil
	}
	combined, err := h.summarize(item.value, kv.Value)
	if err != nil {
		return err
	}
	h.size += int64(len(combined) - len(item.value))
	item.value = combined
	return nil
}

func (h *SummaryHolder) PrepRead() error { return nil }

func (h *SummaryHolder) Read(fn func(core.KeyValue) error) error {
	var err error
	h.tree.Ascend(func(item *summaryItem) bool {
		err = fn(core.KeyValue{Key: item.key, Value: item.value})
		return err == nil
	})
	return err
}

func (h *SummaryHolder) Clear() {
	h.tree.Clear(false)
	h.size = 0
}

func (h *SummaryHolder) Oversized(goal int64) bool { return oversized(h.size, goal) }

func (h *SummaryHolder) Len() int { return h.tree.Len() }

func (h *SummaryHolder) SetFileInfo(info *manifest.ChunkInfo) {
	info.Records = int64(h.tree.Len())
	info.Sort = h.sortName
	if lo, ok := h.tree.Min(); ok {
		info.FirstKey = slices.Clone(lo.key)
	}
	if hi, ok := h.tree.Max(); ok {
		info.LastKey = slices.Clone(hi.key)
	}
}
