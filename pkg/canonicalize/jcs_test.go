package canonicalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeysAndSkipsHTMLEscaping(t *testing.T) {
	got, err := JCS(map[string]any{"b": 1, "a": "<x>", "c": []int{3, 2}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<x>","b":1,"c":[3,2]}`, string(got))
}

func TestJCS_HonoursStructTags(t *testing.T) {
	type sample struct {
		Zeta  string `json:"zeta"`
		Alpha int    `json:"alpha"`
		Skip  string `json:"-"`
	}
	got, err := JCS(sample{Zeta: "z", Alpha: 1, Skip: "hidden"})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":1,"zeta":"z"}`, string(got))
}

func TestCanonicalHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"y": 2, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.True(t, IsHexSHA256(h1))
}

func TestHashBytes_KnownVector(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
}

func TestDayRounded(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	ts := time.Date(2026, 3, 2, 5, 0, 0, 0, loc) // 2026-03-01T20:00Z
	assert.Equal(t, "2026-03-01", DayRounded(ts))

	day, err := ParseDay("2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), day)
}

func TestIsHexSHA256(t *testing.T) {
	assert.False(t, IsHexSHA256("abc"))
	assert.False(t, IsHexSHA256("E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855"))
}
