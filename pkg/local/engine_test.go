package local

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	ledger "github.com/nemanja-m/gobatch/internal/coordinator/core"
	"github.com/nemanja-m/gobatch/internal/coordinator/storage"
	"github.com/nemanja-m/gobatch/pkg/core"
	"github.com/nemanja-m/gobatch/pkg/manifest"
	"github.com/nemanja-m/gobatch/pkg/plugin"
	"github.com/nemanja-m/gobatch/pkg/stream"
	"github.com/nemanja-m/gobatch/pkg/task"
	"github.com/nemanja-m/gobatch/pkg/tasks"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, args ...any) {}
func (m *mockLogger) Info(msg string, args ...any)  {}
func (m *mockLogger) Warn(msg string, args ...any)  {}
func (m *mockLogger) Error(msg string, args ...any) {}
func (m *mockLogger) Fatal(msg string, args ...any) {}

// fanoutTask spawns Fanout children per level and sums the leaves.
type fanoutTask struct {
	Levels   int      `json:"levels"`
	Fanout   int      `json:"fanout"`
	State    string   `json:"state,omitempty"`
	Children []string `json:"children,omitempty"`
}

func (t *fanoutTask) Run(ctx task.Context) error {
	if t.Levels == 0 {
		if !ctx.UpdateProgress(0.5) {
			return task.ErrCancelled
		}
		ctx.SetOutput([]byte("1"))
		return nil
	}
	if t.State == "" {
		for range t.Fanout {
			id, err := ctx.AddSubtask(&fanoutTask{Levels: t.Levels - 1, Fanout: t.Fanout})
			if err != nil {
				return err
			}
			t.Children = append(t.Children, id)
		}
		t.State = "sum"
		return nil
	}
	total := 0
	for _, id := range t.Children {
		out, err := ctx.GetOutput(id)
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(string(out))
		if err != nil {
			return err
		}
		total += n
	}
	ctx.SetOutput([]byte(strconv.Itoa(total)))
	return nil
}

type wordsMapper struct{ plugin.BaseMapper }

func (wordsMapper) Map(_, value []byte, out core.Emitter) error {
	for _, word := range bytes.Fields(value) {
		if err := out.Emit(bytes.ToLower(word), []byte("1")); err != nil {
			return err
		}
	}
	return nil
}

type gpuMapper struct{ plugin.BaseMapper }

func (gpuMapper) Map(key, value []byte, out core.Emitter) error {
	return out.Emit(key, value)
}

func (gpuMapper) Resources() core.Resources {
	return core.Resources{Profile: "gpu"}
}

// parityMapper routes records with an even value to the first output.
type parityMapper struct{ plugin.BaseMapper }

func (parityMapper) Map(key, value []byte, first, second core.Emitter) error {
	n, err := strconv.Atoi(string(value))
	if err != nil {
		return err
	}
	if n%2 == 0 {
		return first.Emit(key, value)
	}
	return second.Emit(key, value)
}

func (parityMapper) InstallMetadata(_, _ *manifest.Metadata) error { return nil }

// startCounter counts the groups it is shown.
type startCounter struct {
	plugin.BaseReducer
	starts *atomic.Int64
}

func (r *startCounter) Start([]byte) error {
	r.starts.Add(1)
	return nil
}

func (r *startCounter) AddValue(key, value []byte) error {
	return r.Out.Emit(key, value)
}

type engineFixture struct {
	engine *Engine
	root   string
	starts *atomic.Int64
}

func newEngineFixture(t *testing.T, workers int) *engineFixture {
	t.Helper()
	reg := task.NewRegistry()
	require.NoError(t, tasks.Register(reg))
	require.NoError(t, reg.Register("fanout", 1, func() task.Task { return &fanoutTask{} }))

	starts := &atomic.Int64{}
	plugins := plugin.NewRegistry()
	require.NoError(t, plugin.RegisterBuiltins(plugins))
	require.NoError(t, plugins.RegisterMapper("words", func(json.RawMessage) (plugin.Mapper, error) {
		return wordsMapper{}, nil
	}))
	require.NoError(t, plugins.RegisterMapper("gpu", func(json.RawMessage) (plugin.Mapper, error) {
		return gpuMapper{}, nil
	}))
	require.NoError(t, plugins.RegisterDualMapper("parity", func(json.RawMessage) (plugin.DualMapper, error) {
		return parityMapper{}, nil
	}))
	require.NoError(t, plugins.RegisterReducer("starts", func(json.RawMessage) (plugin.Reducer, error) {
		return &startCounter{starts: starts}, nil
	}))

	root := t.TempDir()
	engine := NewEngine(storage.NewInMemoryTaskStore(), reg, plugins, Config{
		RootPath: root,
		Workers:  workers,
		Retry:    ledger.RetryPolicy{Attempts: 100, MaxBackoff: 1},
	}, &mockLogger{})
	return &engineFixture{engine: engine, root: root, starts: starts}
}

func writeDataset(t *testing.T, dir string, goalSize int64, records []core.KeyValue) manifest.Manifest {
	t.Helper()
	w, err := stream.Output{Dir: dir, GoalSize: goalSize}.Create()
	require.NoError(t, err)
	for _, kv := range records {
		require.NoError(t, w.Emit(kv.Key, kv.Value))
	}
	m, err := w.Close()
	require.NoError(t, err)
	return m
}

func readDataset(t *testing.T, m manifest.Manifest) []core.KeyValue {
	t.Helper()
	r, err := stream.Input{Manifest: m}.Open()
	require.NoError(t, err)
	defer r.Close()
	var out []core.KeyValue
	require.NoError(t, stream.ForEach(r, func(key, value []byte) error {
		out = append(out, core.KeyValue{Key: bytes.Clone(key), Value: bytes.Clone(value)})
		return nil
	}))
	return out
}

func decodeManifest(t *testing.T, data []byte) manifest.Manifest {
	t.Helper()
	m, err := manifest.Decode(data)
	require.NoError(t, err)
	return m
}

func TestEngine_SplitScenario(t *testing.T) {
	f := newEngineFixture(t, 1)
	ctx := context.Background()
	id, err := f.engine.Submit(ctx, "alice", &fanoutTask{Levels: 2, Fanout: 9})
	require.NoError(t, err)

	last := 0.0
	for {
		stepped, err := f.engine.Step(ctx, "worker-1")
		require.NoError(t, err)
		if !stepped {
			break
		}
		progress, err := f.engine.Jobs().JobProgress(ctx, id)
		require.NoError(t, err)
		require.GreaterOrEqual(t, progress, last-1e-9, "root progress went back")
		last = progress
	}
	require.InDelta(t, 1.0, last, 1e-9)

	root, err := f.engine.Jobs().GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ledger.TaskStateDone, root.State)
	require.Equal(t, "81", string(root.Output))

	all, err := f.engine.Jobs().JobTasks(ctx, id)
	require.NoError(t, err)
	require.Len(t, all, 1+9+81)
}

func TestEngine_ParallelWorkers(t *testing.T) {
	f := newEngineFixture(t, 4)
	out, err := f.engine.Run(context.Background(), "alice", &fanoutTask{Levels: 2, Fanout: 9})
	require.NoError(t, err)
	require.Equal(t, "81", string(out))
}

func TestEngine_SortRandomKeys(t *testing.T) {
	f := newEngineFixture(t, 1)
	records := make([]core.KeyValue, 10000)
	for i := range records {
		key := make([]byte, 20)
		_, err := rand.Read(key)
		require.NoError(t, err)
		records[i] = core.KeyValue{Key: key, Value: []byte(strconv.Itoa(i))}
	}
	input := writeDataset(t, filepath.Join(f.root, "input"), 16<<10, records)
	require.Greater(t, len(input.Chunks), 4)

	out, err := f.engine.Run(context.Background(), "alice", &tasks.Sort{
		Input:         input,
		Sorter:        plugin.Ref{Name: "lexical"},
		NumPartitions: 3,
		Params:        tasks.Params{GoalSize: 16 << 10, MaxFiles: 2},
	})
	require.NoError(t, err)
	sorted := decodeManifest(t, out)
	require.Equal(t, "lexical", sorted.Sort)
	require.Equal(t, 3, sorted.NumPartitions)

	var got []core.KeyValue
	for p, part := range sorted.SplitByPartition() {
		kvs := readDataset(t, part)
		for i, kv := range kvs {
			require.Equal(t, p, plugin.LexicalSorter{}.Partition(kv.Key, 3))
			if i > 0 {
				require.LessOrEqual(t, bytes.Compare(kvs[i-1].Key, kv.Key), 0, "partition %d out of order at %d", p, i)
			}
		}
		got = append(got, kvs...)
	}

	byKey := func(a, b core.KeyValue) int { return bytes.Compare(a.Key, b.Key) }
	slices.SortFunc(records, byKey)
	slices.SortFunc(got, byKey)
	require.Equal(t, records, got)
}

func TestEngine_ReduceGroups(t *testing.T) {
	f := newEngineFixture(t, 1)
	var records []core.KeyValue
	for i := range 2000 {
		records = append(records, core.KeyValue{
			Key:   []byte("group-" + strconv.Itoa(i%37)),
			Value: []byte(strconv.Itoa(i)),
		})
	}
	input := writeDataset(t, filepath.Join(f.root, "input"), 4<<10, records)

	out, err := f.engine.Run(context.Background(), "alice", &tasks.SortedReduce{
		Input:   input,
		Sorter:  plugin.Ref{Name: "lexical"},
		Reducer: plugin.Ref{Name: "starts"},
		Params:  tasks.Params{GoalSize: 4 << 10, MaxFiles: 3},
	})
	require.NoError(t, err)
	require.Equal(t, int64(37), f.starts.Load())
	require.Len(t, readDataset(t, decodeManifest(t, out)), len(records))
}

func TestEngine_ReduceGroupsByPrefix(t *testing.T) {
	f := newEngineFixture(t, 1)
	var records []core.KeyValue
	for i := range 3000 {
		records = append(records, core.KeyValue{
			Key:   []byte(fmt.Sprintf("%03d-%05d", i%23, i)),
			Value: []byte(strconv.Itoa(i)),
		})
	}
	input := writeDataset(t, filepath.Join(f.root, "input"), 2<<10, records)
	require.Greater(t, len(input.Chunks), 8)

	out, err := f.engine.Run(context.Background(), "alice", &tasks.SortedReduce{
		Input:         input,
		Sorter:        plugin.Ref{Name: "prefix", Params: json.RawMessage(`{"length":3}`)},
		Reducer:       plugin.Ref{Name: "starts"},
		NumPartitions: 3,
		Params:        tasks.Params{GoalSize: 2 << 10, MaxFiles: 2},
	})
	require.NoError(t, err)
	// Keys sharing a prefix compare with magnitude 1 and form one group.
	require.Equal(t, int64(23), f.starts.Load())
	require.Len(t, readDataset(t, decodeManifest(t, out)), len(records))
}

func TestEngine_SortReencodesInput(t *testing.T) {
	f := newEngineFixture(t, 1)
	records := make([]core.KeyValue, 3000)
	for i := range records {
		records[i] = core.KeyValue{
			Key:   []byte(fmt.Sprintf("key-%05d", (i*7919)%len(records))),
			Value: []byte(strconv.Itoa(i)),
		}
	}
	input := writeDataset(t, filepath.Join(f.root, "input"), 512, records)
	require.True(t, manifest.SameEncoding(input.Encoding, "null"))
	require.Greater(t, len(input.Chunks), 4)
	require.NoError(t, input.Metadata.Set(plugin.StatsNamespace, plugin.RecordsKey, len(records)))

	out, err := f.engine.Run(context.Background(), "alice", &tasks.Sort{
		Input:  input,
		Sorter: plugin.Ref{Name: "lexical"},
		Params: tasks.Params{GoalSize: 512, Encoding: "gzip", MaxFiles: 2},
	})
	require.NoError(t, err)
	sorted := decodeManifest(t, out)
	require.Equal(t, "gzip", sorted.Encoding)
	require.Equal(t, "lexical", sorted.Sort)

	kvs := readDataset(t, sorted)
	require.Len(t, kvs, len(records))
	require.True(t, slices.IsSortedFunc(kvs, func(a, b core.KeyValue) int { return bytes.Compare(a.Key, b.Key) }))

	// Sorting keeps the records, so their metadata is carried.
	var n int
	ok, err := sorted.Metadata.Get(plugin.StatsNamespace, plugin.RecordsKey, &n)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, len(records), n)
}

func TestEngine_CountGroupsMetadata(t *testing.T) {
	f := newEngineFixture(t, 1)
	var records []core.KeyValue
	for i := range 500 {
		records = append(records, core.KeyValue{Key: []byte{byte('a' + i%26)}, Value: []byte("x")})
	}
	input := writeDataset(t, filepath.Join(f.root, "input"), 1<<10, records)

	out, err := f.engine.Run(context.Background(), "alice", &tasks.SortedReduce{
		Input:         input,
		Sorter:        plugin.Ref{Name: "lexical"},
		Reducer:       plugin.Ref{Name: "count"},
		NumPartitions: 4,
	})
	require.NoError(t, err)
	counted := decodeManifest(t, out)

	var groups int64
	ok, err := counted.Metadata.Get(plugin.StatsNamespace, plugin.GroupsKey, &groups)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(26), groups)

	total := 0
	for _, kv := range readDataset(t, counted) {
		n, err := strconv.Atoi(string(kv.Value))
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, len(records), total)
}

func TestEngine_ImportAndMapReduce(t *testing.T) {
	f := newEngineFixture(t, 2)
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("the quick fox\nthe lazy dog\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("The end\n"), 0o644))

	out, err := f.engine.Run(ctx, "alice", &tasks.Import{Patterns: []string{filepath.Join(dir, "*.txt")}})
	require.NoError(t, err)
	imported := decodeManifest(t, out)
	require.Equal(t, int64(3), imported.Records())

	out, err = f.engine.Run(ctx, "alice", &tasks.MapReduce{
		Input:         imported,
		Mapper:        plugin.Ref{Name: "words"},
		Sorter:        plugin.Ref{Name: "lexical"},
		Reducer:       plugin.Ref{Name: "sum"},
		NumPartitions: 2,
		Summarize:     true,
	})
	require.NoError(t, err)

	counts := make(map[string]string)
	for _, kv := range readDataset(t, decodeManifest(t, out)) {
		counts[string(kv.Key)] = string(kv.Value)
	}
	require.Equal(t, map[string]string{
		"the": "3", "quick": "1", "fox": "1", "lazy": "1", "dog": "1", "end": "1",
	}, counts)

	var buf strings.Builder
	require.NoError(t, stream.ExportTSV(decodeManifest(t, out), &buf))
	require.Contains(t, buf.String(), "the\t3\n")
}

func TestEngine_DualMap(t *testing.T) {
	f := newEngineFixture(t, 1)
	var records []core.KeyValue
	for i := range 100 {
		records = append(records, core.KeyValue{Key: []byte("k" + strconv.Itoa(i)), Value: []byte(strconv.Itoa(i))})
	}
	input := writeDataset(t, filepath.Join(f.root, "input"), 256, records)

	out, err := f.engine.Run(context.Background(), "alice", &tasks.DualMap{
		Input:  input,
		Mapper: plugin.Ref{Name: "parity"},
		Params: tasks.Params{GoalSize: 256},
	})
	require.NoError(t, err)
	dual, err := tasks.DecodeDualOutput(out)
	require.NoError(t, err)
	require.Equal(t, int64(50), dual.First.Records())
	require.Equal(t, int64(50), dual.Second.Records())
	for _, kv := range readDataset(t, dual.Second) {
		n, err := strconv.Atoi(string(kv.Value))
		require.NoError(t, err)
		require.Equal(t, 1, n%2)
	}
}

func TestEngine_SplitterHonoursSplitKeys(t *testing.T) {
	f := newEngineFixture(t, 1)
	ctx := context.Background()
	var records []core.KeyValue
	for i := range 300 {
		records = append(records, core.KeyValue{Key: []byte{byte('a' + i%26), byte('a' + i%7)}, Value: []byte("v")})
	}
	input := writeDataset(t, filepath.Join(f.root, "input"), 512, records)
	require.NoError(t, input.Metadata.Set("source", "name", "letters"))
	out, err := f.engine.Run(ctx, "alice", &tasks.Sort{Input: input, Sorter: plugin.Ref{Name: "lexical"}})
	require.NoError(t, err)
	sorted := decodeManifest(t, out)

	splitKeys := [][]byte{[]byte("f"), []byte("m"), []byte("t")}
	out, err = f.engine.Run(ctx, "alice", &tasks.Splitter{
		Input:     sorted,
		Sorter:    plugin.Ref{Name: "lexical"},
		SplitKeys: splitKeys,
	})
	require.NoError(t, err)
	split := decodeManifest(t, out)
	require.Equal(t, sorted.Records(), split.Records())
	var name string
	ok, err := split.Metadata.Get("source", "name", &name)
	require.NoError(t, err)
	require.True(t, ok, "splitting keeps the input metadata")
	require.Equal(t, "letters", name)
	for _, c := range split.Chunks {
		for _, key := range splitKeys {
			straddles := bytes.Compare(c.FirstKey, key) < 0 && bytes.Compare(c.LastKey, key) >= 0
			require.False(t, straddles, "chunk %s..%s straddles %s", c.FirstKey, c.LastKey, key)
		}
	}
}

func TestEngine_ClaimsDeclaredProfiles(t *testing.T) {
	f := newEngineFixture(t, 1)
	input := writeDataset(t, filepath.Join(f.root, "input"), 0, []core.KeyValue{{Key: []byte("k"), Value: []byte("v")}})

	out, err := f.engine.Run(context.Background(), "alice", &tasks.Map{Input: input, Mapper: plugin.Ref{Name: "gpu"}})
	require.NoError(t, err)
	require.Equal(t, int64(1), decodeManifest(t, out).Records())
}

func TestEngine_OrderingViolationCancelsJob(t *testing.T) {
	f := newEngineFixture(t, 1)
	input := writeDataset(t, filepath.Join(f.root, "input"), 0, []core.KeyValue{
		{Key: []byte("b"), Value: []byte("1")},
		{Key: []byte("a"), Value: []byte("2")},
	})
	// Claim an order the records do not have.
	input.Sort = "lexical"
	for i := range input.Chunks {
		input.Chunks[i].Sort = "lexical"
	}

	_, err := f.engine.Run(context.Background(), "alice", &tasks.Reduce{
		Input:   input,
		Sorter:  plugin.Ref{Name: "lexical"},
		Reducer: plugin.Ref{Name: "count"},
	})
	require.ErrorIs(t, err, ErrJobCancelled)
	require.Contains(t, err.Error(), "records out of order")
}

func TestEngine_CancelAndResume(t *testing.T) {
	f := newEngineFixture(t, 1)
	ctx := context.Background()
	id, err := f.engine.Submit(ctx, "alice", &fanoutTask{Levels: 1, Fanout: 3})
	require.NoError(t, err)

	for range 2 {
		stepped, err := f.engine.Step(ctx, "worker-1")
		require.NoError(t, err)
		require.True(t, stepped)
	}
	require.NoError(t, f.engine.Jobs().CancelJob(ctx, id))

	_, err = f.engine.Wait(ctx, id)
	require.ErrorIs(t, err, ErrJobCancelled)
	require.Contains(t, err.Error(), "cancelled")

	first, err := f.engine.Jobs().GetTask(ctx, ledger.ChildID(id, 0))
	require.NoError(t, err)
	require.Equal(t, ledger.TaskStateDone, first.State)

	out, err := f.engine.Resume(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "3", string(out))
}

func TestEngine_InterruptedWorkerIsRequeued(t *testing.T) {
	f := newEngineFixture(t, 1)
	ctx := context.Background()
	id, err := f.engine.Submit(ctx, "alice", &fanoutTask{Levels: 1, Fanout: 2})
	require.NoError(t, err)

	// A previous engine claimed the root and died before reporting.
	claimed, err := f.engine.Jobs().ClaimTask(ctx, workerName(0), "")
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	out, err := f.engine.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "2", string(out))
}

func TestEngine_StalledJob(t *testing.T) {
	f := newEngineFixture(t, 1)
	ctx := context.Background()
	id, err := f.engine.Submit(ctx, "alice", &fanoutTask{Levels: 1, Fanout: 2})
	require.NoError(t, err)

	// Leased to a worker the engine does not know about.
	_, err = f.engine.Jobs().ClaimTask(ctx, "elsewhere", "")
	require.NoError(t, err)

	_, err = f.engine.Wait(ctx, id)
	require.True(t, errors.Is(err, ErrJobStalled), "got %v", err)
}

func TestEngine_SubmitValidates(t *testing.T) {
	f := newEngineFixture(t, 1)
	_, err := f.engine.Submit(context.Background(), "alice", &tasks.Sort{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "sorter is required")
}
