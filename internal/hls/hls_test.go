package hls

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMasterPlaylist_AscendingOrder(t *testing.T) {
	out := MasterPlaylist([]int{256, 64, 128}, 0)

	idx64 := strings.Index(out, "64k/playlist.m3u8")
	idx128 := strings.Index(out, "128k/playlist.m3u8")
	idx256 := strings.Index(out, "256k/playlist.m3u8")

	assert.True(t, idx64 < idx128 && idx128 < idx256)
	assert.Contains(t, out, "BANDWIDTH=64000")
	assert.Contains(t, out, "CODECS=\"mp4a.40.2\"")
}

func TestMasterPlaylist_AnnotatesRecommended(t *testing.T) {
	out := MasterPlaylist([]int{64, 128}, 128)
	assert.Contains(t, out, "BANDWIDTH=128000,CODECS=\"mp4a.40.2\",RESOLUTION=0x0")
}

func TestVariantPlaylist_EndsWithEndlist(t *testing.T) {
	out := VariantPlaylist([]string{"segment_001.ts", "segment_000.ts"}, 10)

	assert.True(t, strings.HasSuffix(out, "#EXT-X-ENDLIST\n"))
	assert.Contains(t, out, "#EXT-X-TARGETDURATION:10")

	idx0 := strings.Index(out, "segment_000.ts")
	idx1 := strings.Index(out, "segment_001.ts")
	assert.True(t, idx0 < idx1)
}

func TestPartialVariantPlaylist_OmitsEndlist(t *testing.T) {
	out := PartialVariantPlaylist([]string{"segment_001.ts", "segment_000.ts"}, 10)

	assert.False(t, strings.Contains(out, "#EXT-X-ENDLIST"))
	assert.Contains(t, out, "#EXT-X-TARGETDURATION:10")

	idx0 := strings.Index(out, "segment_000.ts")
	idx1 := strings.Index(out, "segment_001.ts")
	assert.True(t, idx0 < idx1)
}

func TestRecommendedBitrate_PrefersPreferred(t *testing.T) {
	assert.Equal(t, 128, RecommendedBitrate([]int{64, 128, 256}, 0, 128))
}

func TestRecommendedBitrate_UsesBandwidth(t *testing.T) {
	assert.Equal(t, 128, RecommendedBitrate([]int{64, 128, 256}, 150_000, 0))
}

func TestRecommendedBitrate_FallsBackToMedian(t *testing.T) {
	assert.Equal(t, 128, RecommendedBitrate([]int{64, 128, 256}, 0, 0))
}

func TestRecommendedBitrate_EmptyFallsBackTo128(t *testing.T) {
	assert.Equal(t, 128, RecommendedBitrate(nil, 0, 0))
}

func TestSegmentName(t *testing.T) {
	assert.Equal(t, "segment_007.ts", SegmentName(7))
}

func TestSegmentID(t *testing.T) {
	assert.Equal(t, "chapter-1_128_007", SegmentID("chapter-1", 128, 7))
}
