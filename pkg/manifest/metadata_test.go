package manifest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetadata_MergeRules(t *testing.T) {
	tests := []struct {
		name    string
		a, b    string
		rule    MergeFunc
		want    string
		wantErr error
	}{
		{name: "sum integers", a: `3`, b: `4`, rule: MergeSum, want: `7`},
		{name: "sum large integers stay exact", a: `9007199254740993`, b: `1`, rule: MergeSum, want: `9007199254740994`},
		{name: "sum floats", a: `1.5`, b: `2`, rule: MergeSum, want: `3.5`},
		{name: "first", a: `"x"`, b: `"y"`, rule: MergeFirst, want: `"x"`},
		{name: "second", a: `"x"`, b: `"y"`, rule: MergeSecond, want: `"y"`},
		{name: "collide equal", a: `{"a":1,"b":2}`, b: `{"b":2, "a":1}`, rule: MergeCollide, want: `{"a":1,"b":2}`},
		{name: "collide differing", a: `1`, b: `2`, rule: MergeCollide, wantErr: ErrCollision},
		{name: "default rule collides", a: `"x"`, b: `"y"`, wantErr: ErrCollision},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Metadata{"ns": {"key": json.RawMessage(tt.a)}}
			b := Metadata{"ns": {"key": json.RawMessage(tt.b)}}
			rules := MergeRules{}
			if tt.rule != nil {
				rules["key"] = tt.rule
			}

			got, err := a.Merge(b, rules)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(got["ns"]["key"]))
		})
	}
}

func TestMetadata_MergeDisjointAndImmutable(t *testing.T) {
	var a Metadata
	require.NoError(t, a.Set("stats", "records", 10))
	b := Metadata{}
	require.NoError(t, b.Set("stats", "bytes", 100))
	require.NoError(t, b.Set("other", "flag", true))

	merged, err := a.Merge(b, nil)
	require.NoError(t, err)

	var records, size int
	var flag bool
	ok, err := merged.Get("stats", "records", &records)
	require.True(t, ok)
	require.NoError(t, err)
	ok, err = merged.Get("stats", "bytes", &size)
	require.True(t, ok)
	require.NoError(t, err)
	ok, err = merged.Get("other", "flag", &flag)
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, 10, records)
	require.Equal(t, 100, size)
	require.True(t, flag)

	_, present := a["stats"]["bytes"]
	require.False(t, present, "merge must not mutate its receiver")

	ok, err = merged.Get("stats", "missing", &records)
	require.False(t, ok)
	require.NoError(t, err)
}

func TestParseMergeFunc(t *testing.T) {
	for _, name := range []string{"first", "second", "sum", "collide", ""} {
		fn, err := ParseMergeFunc(name)
		require.NoError(t, err)
		require.NotNil(t, fn)
	}
	_, err := ParseMergeFunc("max")
	require.Error(t, err)
}
