// Package hls generates the master and variant HLS playlists served by
// the streaming read path and written by the Master Worker.
package hls

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const audioCodec = "mp4a.40.2"

// MasterPlaylist composes a master playlist with one #EXT-X-STREAM-INF
// per entry in bitrates, emitted in ascending order, per bandwidth =
// bitrate*1000. recommended, when non-zero and present in bitrates, is
// annotated with RESOLUTION=0x0 to mark it as the suggested default
// variant for a client with no stated preference.
func MasterPlaylist(bitrates []int, recommended int) string {
	sorted := append([]int(nil), bitrates...)
	sort.Ints(sorted)

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("\n")

	for _, bitrate := range sorted {
		attrs := fmt.Sprintf("BANDWIDTH=%d,CODECS=\"%s\"", bitrate*1000, audioCodec)
		if bitrate == recommended {
			attrs += ",RESOLUTION=0x0"
		}
		b.WriteString("#EXT-X-STREAM-INF:" + attrs + "\n")
		b.WriteString(strconv.Itoa(bitrate) + "k/playlist.m3u8\n")
	}

	return b.String()
}

// VariantPlaylist composes a complete (VOD) variant playlist for segments
// in lexicographic order, each targetDuration seconds long, ended with
// #EXT-X-ENDLIST since a completed rendition has no more segments
// arriving.
func VariantPlaylist(segments []string, targetDuration int) string {
	return buildVariantPlaylist(segments, targetDuration, true)
}

// PartialVariantPlaylist composes a variant playlist for a rendition that
// is still transcoding: the segments materialized so far, in
// lexicographic order, with no #EXT-X-ENDLIST, so a client keeps polling
// for more. Callers must not cache the result since the segment set is
// still growing.
func PartialVariantPlaylist(segments []string, targetDuration int) string {
	return buildVariantPlaylist(segments, targetDuration, false)
}

func buildVariantPlaylist(segments []string, targetDuration int, complete bool) string {
	sorted := append([]string(nil), segments...)
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", targetDuration))
	b.WriteString("\n")

	for _, seg := range sorted {
		b.WriteString(fmt.Sprintf("#EXTINF:%d.0,\n", targetDuration))
		b.WriteString(seg + "\n")
	}

	if complete {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// RecommendedBitrate picks the variant a client should start with: its
// preferred bitrate if available, else the highest bitrate not exceeding
// its stated bandwidth, else the median available bitrate, else the
// lowest, else a 128kbps fallback if nothing is available at all.
func RecommendedBitrate(available []int, clientBandwidth, preferredBitrate int) int {
	if len(available) == 0 {
		return 128
	}

	sorted := append([]int(nil), available...)
	sort.Ints(sorted)

	for _, b := range sorted {
		if b == preferredBitrate {
			return b
		}
	}

	if clientBandwidth > 0 {
		best := 0
		for _, b := range sorted {
			if b*1000 <= clientBandwidth {
				best = b
			}
		}
		if best != 0 {
			return best
		}
	}

	return sorted[len(sorted)/2]
}

// SegmentName builds the canonical zero-padded segment filename.
func SegmentName(index int) string {
	return fmt.Sprintf("segment_%03d.ts", index)
}

// SegmentID builds the cache-key segment identifier
// "{chapter_id}_{bitrate}_{NNN}".
func SegmentID(chapterID string, bitrate, index int) string {
	return fmt.Sprintf("%s_%d_%03d", chapterID, bitrate, index)
}
