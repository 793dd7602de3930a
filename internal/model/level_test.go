package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSet() *LevelSet {
	s := SessionClassic
	return &LevelSet{
		Session: s,
		Levels: []PriceLevel{
			{Key: Support(3, s), Value: 3340},
			{Key: Support(2, s), Value: 3360},
			{Key: Support(1, s), Value: 3380},
			{Key: Pivot(s), Value: 3400},
			{Key: Resistance(1, s), Value: 3420},
			{Key: Resistance(2, s), Value: 3440},
			{Key: Resistance(3, s), Value: 3460},
		},
	}
}

func TestParseLevelKey(t *testing.T) {
	cases := []struct {
		label string
		want  LevelKey
	}{
		{"R2_classic", Resistance(2, SessionClassic)},
		{"S1_asia", Support(1, SessionAsia)},
		{"P_europe", Pivot(SessionEurope)},
	}
	for _, tc := range cases {
		got, err := ParseLevelKey(tc.label)
		require.NoError(t, err, tc.label)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.label, got.Label())
	}

	for _, bad := range []string{"", "R2", "R4_classic", "X1_asia", "R2_tokyo", "PP_asia", "R_asia"} {
		_, err := ParseLevelKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestLevelKeyAsJSONMapKey(t *testing.T) {
	in := map[LevelKey]int{Resistance(2, SessionClassic): 3, Support(2, SessionAsia): 1}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"R2_classic":3`)

	var out map[LevelKey]int
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestLevelSetAccessors(t *testing.T) {
	set := testSet()
	assert.Equal(t, 3400.0, set.Pivot())
	assert.Equal(t, 3440.0, set.R(2))
	assert.Equal(t, 3380.0, set.S(1))

	ext := set.Extremes()
	require.Len(t, ext, 2)
	assert.Equal(t, Resistance(2, SessionClassic), ext[0].Key)
	assert.Equal(t, Support(2, SessionClassic), ext[1].Key)

	next, ok := set.Beyond(Resistance(2, SessionClassic))
	require.True(t, ok)
	assert.Equal(t, 3460.0, next.Value)
	_, ok = set.Beyond(Resistance(3, SessionClassic))
	assert.False(t, ok)

	assert.True(t, set.InCentralRange(3380))
	assert.True(t, set.InCentralRange(3420))
	assert.False(t, set.InCentralRange(3421))
}

func TestNilLevelSet(t *testing.T) {
	var set *LevelSet
	_, ok := set.Level(LevelPivot, 0)
	assert.False(t, ok)
	assert.Nil(t, set.Extremes())
}

func TestBarValidateAndMerge(t *testing.T) {
	assert.NoError(t, OHLCBar{High: 2000, Low: 1980, Close: 1990}.Validate())
	assert.NoError(t, OHLCBar{High: 2000, Low: 2000, Close: 2000}.Validate())
	assert.Error(t, OHLCBar{High: 1980, Low: 2000, Close: 1990}.Validate())
	assert.Error(t, OHLCBar{High: 2000, Low: 1980}.Validate())

	t0 := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	agg := OHLCBar{}.
		Merge(OHLCBar{Open: 10, High: 12, Low: 9, Close: 11, Volume: 5, Timestamp: t0}).
		Merge(OHLCBar{Open: 11, High: 15, Low: 10, Close: 14, Volume: 7, Timestamp: t0.Add(time.Minute)}).
		Merge(OHLCBar{Open: 14, High: 14, Low: 8, Close: 13, Volume: 1, Timestamp: t0.Add(2 * time.Minute)})
	assert.Equal(t, OHLCBar{Open: 10, High: 15, Low: 8, Close: 13, Volume: 13, Timestamp: t0.Add(2 * time.Minute)}, agg)
}
