package m3u8

/*
 Decoding of master and media playlists. Tag attributes are scanned left to
 right with a quote toggle, so commas inside quoted values never split a
 pair. Unknown tags are ignored for forward compatibility.
*/

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	ErrExtM3UAbsent         = errors.New("#EXTM3U absent")
	ErrInvalidEncoding      = errors.New("playlist is not valid UTF-8")
	ErrMediaInsteadOfMaster = errors.New("media playlist tag in master context")
)

// FormatError reports a syntax problem with the line that carried it.
type FormatError struct {
	Line int
	Msg  string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid playlist format at line %d: %s", e.Line, e.Msg)
}

func formatErr(line int, format string, args ...interface{}) error {
	return &FormatError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

// mediaOnlyTags abort a master decode; the loader uses that signal to
// retry the same body as a media playlist.
var mediaOnlyTags = []string{
	"EXTINF",
	"EXT-X-TARGETDURATION",
	"EXT-X-BYTERANGE",
	"EXT-X-MAP",
	"EXT-X-MEDIA-SEQUENCE",
	"EXT-X-DISCONTINUITY-SEQUENCE",
	"EXT-X-DISCONTINUITY",
	"EXT-X-ENDLIST",
	"EXT-X-PLAYLIST-TYPE",
	"EXT-X-I-FRAMES-ONLY",
	"EXT-X-KEY",
	"EXT-X-PROGRAM-DATE-TIME",
}

// Decode parses a playlist as master first and falls back to media when a
// media-only tag is seen.
func Decode(data []byte) (Playlist, error) {
	master, err := DecodeMaster(data)
	if errors.Is(err, ErrMediaInsteadOfMaster) {
		return DecodeMedia(data)
	}
	if err != nil {
		return nil, err
	}
	return master, nil
}

// DecodeMaster parses a master playlist.
func DecodeMaster(data []byte) (*MasterPlaylist, error) {
	lines, err := splitLines(data)
	if err != nil {
		return nil, err
	}
	p := &MasterPlaylist{}
	var pendingStream *Stream
	for i, line := range lines {
		tag, attrs, isTag := cutTag(line)
		if !isTag {
			// URI line belongs to the stream that latched it.
			if pendingStream == nil {
				return nil, formatErr(i+1, "unexpected URI %q", line)
			}
			pendingStream.URI = line
			p.Streams = append(p.Streams, *pendingStream)
			pendingStream = nil
			continue
		}
		for _, mediaTag := range mediaOnlyTags {
			if tag == mediaTag {
				return nil, ErrMediaInsteadOfMaster
			}
		}
		params := decodeParams(attrs)
		switch tag {
		case "EXT-X-MEDIA":
			p.Media = append(p.Media, decodeMediaTag(params))
		case "EXT-X-STREAM-INF":
			s := decodeStream(params)
			pendingStream = &s
		case "EXT-X-I-FRAME-STREAM-INF":
			s := decodeStream(params)
			if uri, ok := params.Get("URI"); ok {
				s.URI = uri
			}
			p.IFrameStreams = append(p.IFrameStreams, s)
		case "EXT-X-SESSION-DATA":
			p.SessionData = append(p.SessionData, params)
		case "EXT-X-SESSION-KEY":
			p.SessionKeys = append(p.SessionKeys, params)
		case "EXT-X-INDEPENDENT-SEGMENTS":
			p.IndependentSegments = true
		case "EXT-X-START":
			p.Start = decodeStart(params)
		}
	}
	return p, nil
}

// DecodeMedia parses a media playlist.
func DecodeMedia(data []byte) (*MediaPlaylist, error) {
	lines, err := splitLines(data)
	if err != nil {
		return nil, err
	}
	p := &MediaPlaylist{}
	var (
		pendingDuration float64
		pendingSet      bool
		pendingTitle    string
		pendingRange    *ByteRange
		currentInit     *InitSection
		currentKey      Params
	)
	for i, line := range lines {
		tag, attrs, isTag := cutTag(line)
		if !isTag {
			if !pendingSet {
				return nil, formatErr(i+1, "segment URI %q without EXTINF", line)
			}
			seg := &Segment{
				URI:       line,
				Duration:  pendingDuration,
				Title:     pendingTitle,
				ByteRange: pendingRange,
				Init:      currentInit,
				Key:       currentKey,
			}
			p.Segments = append(p.Segments, seg)
			// EXTINF and EXT-X-BYTERANGE are one shot; EXT-X-MAP
			// latches until replaced.
			pendingDuration = 0
			pendingSet = false
			pendingTitle = ""
			pendingRange = nil
			continue
		}
		switch tag {
		case "EXTINF":
			dur, title, _ := strings.Cut(attrs, ",")
			d, err := strconv.ParseFloat(strings.TrimSpace(dur), 64)
			if err != nil {
				return nil, formatErr(i+1, "bad EXTINF duration %q", dur)
			}
			pendingDuration = d
			pendingSet = true
			pendingTitle = title
		case "EXT-X-BYTERANGE":
			br, err := parseByteRange(attrs)
			if err != nil {
				return nil, formatErr(i+1, "bad EXT-X-BYTERANGE %q", attrs)
			}
			pendingRange = br
		case "EXT-X-MAP":
			params := decodeParams(attrs)
			init := &InitSection{}
			init.URI, _ = params.Get("URI")
			if raw, ok := params.Get("BYTERANGE"); ok {
				br, err := parseByteRange(raw)
				if err != nil {
					return nil, formatErr(i+1, "bad EXT-X-MAP byterange %q", raw)
				}
				init.ByteRange = br
			}
			currentInit = init
		case "EXT-X-KEY":
			currentKey = decodeParams(attrs)
			p.Keys = append(p.Keys, currentKey)
		case "EXT-X-TARGETDURATION":
			d, err := strconv.ParseFloat(attrs, 64)
			if err != nil {
				return nil, formatErr(i+1, "bad EXT-X-TARGETDURATION %q", attrs)
			}
			p.TargetDuration = d
		case "EXT-X-MEDIA-SEQUENCE":
			n, err := strconv.ParseInt(attrs, 10, 64)
			if err != nil {
				return nil, formatErr(i+1, "bad EXT-X-MEDIA-SEQUENCE %q", attrs)
			}
			p.MediaSequence = n
		case "EXT-X-DISCONTINUITY-SEQUENCE":
			n, err := strconv.ParseInt(attrs, 10, 64)
			if err != nil {
				return nil, formatErr(i+1, "bad EXT-X-DISCONTINUITY-SEQUENCE %q", attrs)
			}
			p.DiscontinuitySequence = n
		case "EXT-X-ENDLIST":
			p.EndList = true
		case "EXT-X-PLAYLIST-TYPE":
			p.Type = PlaylistType(attrs)
		case "EXT-X-I-FRAMES-ONLY":
			p.IFramesOnly = true
		}
	}
	return p, nil
}

// splitLines validates encoding, strips blank lines and checks the
// #EXTM3U header. The returned lines start after the header.
func splitLines(data []byte) ([]string, error) {
	if !utf8.Valid(data) {
		return nil, ErrInvalidEncoding
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 || lines[0] != "#EXTM3U" {
		return nil, ErrExtM3UAbsent
	}
	return lines[1:], nil
}

// cutTag splits "#TAG:attrs". Comment lines that are not tags come back
// with isTag true and are skipped by the tag switches.
func cutTag(line string) (tag, attrs string, isTag bool) {
	if !strings.HasPrefix(line, "#") {
		return "", "", false
	}
	tag, attrs, _ = strings.Cut(line[1:], ":")
	return tag, attrs, true
}

// decodeParams scans the attribute list left to right. A quote toggles
// value mode, '=' outside quotes moves from key to value and ',' outside
// quotes commits the pair. A synthetic trailing comma flushes the last
// pair.
func decodeParams(attrs string) Params {
	if attrs == "" {
		return nil
	}
	var (
		params Params
		key    strings.Builder
		value  strings.Builder
		quoted bool
		inVal  bool
	)
	commit := func() {
		if key.Len() > 0 || value.Len() > 0 {
			params = append(params, Param{Key: key.String(), Value: value.String()})
		}
		key.Reset()
		value.Reset()
		inVal = false
	}
	for _, r := range attrs {
		switch {
		case r == '"':
			quoted = !quoted
		case r == '=' && !quoted && !inVal:
			inVal = true
		case r == ',' && !quoted:
			commit()
		case inVal:
			value.WriteRune(r)
		default:
			key.WriteRune(r)
		}
	}
	commit()
	return params
}

// parseByteRange parses "length@offset"; the offset may be omitted.
func parseByteRange(raw string) (*ByteRange, error) {
	lenStr, offStr, hasOffset := strings.Cut(raw, "@")
	length, err := strconv.ParseInt(strings.TrimSpace(lenStr), 10, 64)
	if err != nil {
		return nil, err
	}
	br := &ByteRange{Length: length}
	if hasOffset {
		br.Offset, err = strconv.ParseInt(strings.TrimSpace(offStr), 10, 64)
		if err != nil {
			return nil, err
		}
	}
	return br, nil
}

func decodeStream(params Params) Stream {
	var s Stream
	for _, p := range params {
		switch p.Key {
		case "BANDWIDTH":
			s.Bandwidth, _ = strconv.ParseInt(p.Value, 10, 64)
		case "AVERAGE-BANDWIDTH":
			s.AverageBandwidth, _ = strconv.ParseInt(p.Value, 10, 64)
		case "CODECS":
			s.Codecs = p.Value
		case "RESOLUTION":
			s.Resolution = parseResolution(p.Value)
		case "FRAME-RATE":
			s.FrameRate, _ = strconv.ParseFloat(p.Value, 64)
		case "HDCP-LEVEL":
			s.HDCPLevel = p.Value
		case "AUDIO":
			s.Audio = p.Value
		case "VIDEO":
			s.Video = p.Value
		case "SUBTITLES":
			s.Subtitles = p.Value
		case "CLOSED-CAPTIONS":
			s.ClosedCaptions = p.Value
		}
	}
	return s
}

func decodeMediaTag(params Params) MediaTag {
	var m MediaTag
	for _, p := range params {
		switch p.Key {
		case "TYPE":
			m.Type = strings.ToLower(p.Value)
		case "GROUP-ID":
			m.GroupID = p.Value
		case "LANGUAGE":
			m.Language = p.Value
		case "NAME":
			m.Name = p.Value
		case "DEFAULT":
			m.Default = p.Value == "YES"
		case "AUTOSELECT":
			m.Autoselect = p.Value == "YES"
		case "FORCED":
			m.Forced = p.Value == "YES"
		case "CHANNELS":
			m.Channels = p.Value
		case "URI":
			m.URI = p.Value
		}
	}
	return m
}

func decodeStart(params Params) *StartPoint {
	sp := &StartPoint{}
	if raw, ok := params.Get("TIME-OFFSET"); ok {
		sp.TimeOffset, _ = strconv.ParseFloat(raw, 64)
	}
	if raw, ok := params.Get("PRECISE"); ok {
		sp.Precise = raw == "YES"
	}
	return sp
}
