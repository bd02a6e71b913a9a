package m3u8

/*
 Serialization back to playlist text. Round-tripping a decoded playlist
 preserves stream count, resolution strings and URIs.
*/

import (
	"bytes"
	"fmt"
	"strings"
)

// Encode renders a master playlist back to text.
func (p *MasterPlaylist) Encode() []byte {
	buf := bytes.NewBufferString("#EXTM3U\n")
	if p.IndependentSegments {
		buf.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	}
	if p.Start != nil {
		fmt.Fprintf(buf, "#EXT-X-START:TIME-OFFSET=%g", p.Start.TimeOffset)
		if p.Start.Precise {
			buf.WriteString(",PRECISE=YES")
		}
		buf.WriteByte('\n')
	}
	for _, m := range p.Media {
		fmt.Fprintf(buf, "#EXT-X-MEDIA:TYPE=%s,GROUP-ID=%q", strings.ToUpper(m.Type), m.GroupID)
		if m.Language != "" {
			fmt.Fprintf(buf, ",LANGUAGE=%q", m.Language)
		}
		if m.Name != "" {
			fmt.Fprintf(buf, ",NAME=%q", m.Name)
		}
		if m.Default {
			buf.WriteString(",DEFAULT=YES")
		}
		if m.Autoselect {
			buf.WriteString(",AUTOSELECT=YES")
		}
		if m.Forced {
			buf.WriteString(",FORCED=YES")
		}
		if m.Channels != "" {
			fmt.Fprintf(buf, ",CHANNELS=%q", m.Channels)
		}
		if m.URI != "" {
			fmt.Fprintf(buf, ",URI=%q", m.URI)
		}
		buf.WriteByte('\n')
	}
	for _, data := range p.SessionData {
		writeRawTag(buf, "EXT-X-SESSION-DATA", data)
	}
	for _, key := range p.SessionKeys {
		writeRawTag(buf, "EXT-X-SESSION-KEY", key)
	}
	for _, s := range p.Streams {
		buf.WriteString("#EXT-X-STREAM-INF:")
		writeStreamAttrs(buf, &s)
		buf.WriteByte('\n')
		buf.WriteString(s.URI)
		buf.WriteByte('\n')
	}
	for _, s := range p.IFrameStreams {
		buf.WriteString("#EXT-X-I-FRAME-STREAM-INF:")
		writeStreamAttrs(buf, &s)
		if s.URI != "" {
			fmt.Fprintf(buf, ",URI=%q", s.URI)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func writeStreamAttrs(buf *bytes.Buffer, s *Stream) {
	fmt.Fprintf(buf, "BANDWIDTH=%d", s.Bandwidth)
	if s.AverageBandwidth > 0 {
		fmt.Fprintf(buf, ",AVERAGE-BANDWIDTH=%d", s.AverageBandwidth)
	}
	if s.Codecs != "" {
		fmt.Fprintf(buf, ",CODECS=%q", s.Codecs)
	}
	if s.Resolution.Raw != "" {
		fmt.Fprintf(buf, ",RESOLUTION=%s", s.Resolution.Raw)
	}
	if s.FrameRate > 0 {
		fmt.Fprintf(buf, ",FRAME-RATE=%.3f", s.FrameRate)
	}
	if s.HDCPLevel != "" {
		fmt.Fprintf(buf, ",HDCP-LEVEL=%s", s.HDCPLevel)
	}
	if s.Audio != "" {
		fmt.Fprintf(buf, ",AUDIO=%q", s.Audio)
	}
	if s.Video != "" {
		fmt.Fprintf(buf, ",VIDEO=%q", s.Video)
	}
	if s.Subtitles != "" {
		fmt.Fprintf(buf, ",SUBTITLES=%q", s.Subtitles)
	}
	if s.ClosedCaptions != "" {
		fmt.Fprintf(buf, ",CLOSED-CAPTIONS=%q", s.ClosedCaptions)
	}
}

func writeRawTag(buf *bytes.Buffer, tag string, params Params) {
	fmt.Fprintf(buf, "#%s:", tag)
	for i, p := range params {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(buf, "%s=%q", p.Key, p.Value)
	}
	buf.WriteByte('\n')
}

// Encode renders a media playlist back to text.
func (p *MediaPlaylist) Encode() []byte {
	buf := bytes.NewBufferString("#EXTM3U\n")
	if p.TargetDuration > 0 {
		fmt.Fprintf(buf, "#EXT-X-TARGETDURATION:%d\n", int64(p.TargetDuration))
	}
	if p.MediaSequence > 0 {
		fmt.Fprintf(buf, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.MediaSequence)
	}
	if p.DiscontinuitySequence > 0 {
		fmt.Fprintf(buf, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", p.DiscontinuitySequence)
	}
	if p.Type != "" {
		fmt.Fprintf(buf, "#EXT-X-PLAYLIST-TYPE:%s\n", p.Type)
	}
	if p.IFramesOnly {
		buf.WriteString("#EXT-X-I-FRAMES-ONLY\n")
	}
	var lastInit *InitSection
	for _, seg := range p.Segments {
		if seg.Init != nil && seg.Init != lastInit {
			fmt.Fprintf(buf, "#EXT-X-MAP:URI=%q", seg.Init.URI)
			if br := seg.Init.ByteRange; br != nil {
				fmt.Fprintf(buf, ",BYTERANGE=\"%d@%d\"", br.Length, br.Offset)
			}
			buf.WriteByte('\n')
			lastInit = seg.Init
		}
		fmt.Fprintf(buf, "#EXTINF:%.3f,%s\n", seg.Duration, seg.Title)
		if br := seg.ByteRange; br != nil {
			fmt.Fprintf(buf, "#EXT-X-BYTERANGE:%d@%d\n", br.Length, br.Offset)
		}
		buf.WriteString(seg.URI)
		buf.WriteByte('\n')
	}
	if p.EndList {
		buf.WriteString("#EXT-X-ENDLIST\n")
	}
	return buf.Bytes()
}
