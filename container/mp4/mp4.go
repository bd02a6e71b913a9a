package mp4

/*
 Minimal fragmented-MP4 reader. Just enough box walking to pull the
 per-track timescale out of moov and the sample table out of each
 moof/mdat pair: moov -> trak -> mdia (mdhd, hdlr), mvex -> trex, and
 moof -> traf (tfhd, tfdt, trun).
*/

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

var (
	ErrNoMoov       = errors.New("mp4: no moov box")
	ErrTruncatedBox = errors.New("mp4: truncated box")
)

const (
	HandlerVideo = "vide"
	HandlerAudio = "soun"
)

// Track describes one trak of the movie header.
type Track struct {
	ID        uint32
	Handler   string
	Timescale uint32
}

// Sample is one media sample cut out of an mdat.
type Sample struct {
	Data     []byte
	DTS      int64
	PTS      int64
	Duration uint32
	Keyframe bool
}

type trexDefaults struct {
	duration uint32
	size     uint32
	flags    uint32
}

// File is a parsed fragmented MP4.
type File struct {
	tracks  []Track
	samples map[uint32][]Sample
}

// Open reads and parses path.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Tracks lists the declared tracks.
func (f *File) Tracks() []Track {
	return f.tracks
}

// Samples returns the samples of one track in decode order.
func (f *File) Samples(trackID uint32) []Sample {
	return f.samples[trackID]
}

// TrackByHandler returns the first track with the given handler type.
func (f *File) TrackByHandler(handler string) (Track, bool) {
	for _, t := range f.tracks {
		if t.Handler == handler {
			return t, true
		}
	}
	return Track{}, false
}

type box struct {
	typ   string
	data  []byte
	start int // absolute offset of the box header
}

// walk iterates the sibling boxes of data, whose first byte sits at
// absolute offset base.
func walk(data []byte, base int, fn func(b box) error) error {
	pos := 0
	for pos+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[pos:]))
		typ := string(data[pos+4 : pos+8])
		header := 8
		switch size {
		case 0:
			size = len(data) - pos
		case 1:
			if pos+16 > len(data) {
				return ErrTruncatedBox
			}
			size = int(binary.BigEndian.Uint64(data[pos+8:]))
			header = 16
		}
		if size < header || pos+size > len(data) {
			return fmt.Errorf("%w: %s", ErrTruncatedBox, typ)
		}
		err := fn(box{typ: typ, data: data[pos+header : pos+size], start: base + pos})
		if err != nil {
			return err
		}
		pos += size
	}
	return nil
}

// Parse decodes a whole fragmented MP4 held in memory.
func Parse(data []byte) (*File, error) {
	f := &File{samples: make(map[uint32][]Sample)}
	trex := make(map[uint32]trexDefaults)
	decodeTime := make(map[uint32]int64)
	sawMoov := false

	err := walk(data, 0, func(b box) error {
		switch b.typ {
		case "moov":
			sawMoov = true
			return f.parseMoov(b.data, trex)
		case "moof":
			return f.parseMoof(b.data, b.start, data, trex, decodeTime)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !sawMoov {
		return nil, ErrNoMoov
	}
	return f, nil
}

func (f *File) parseMoov(data []byte, trex map[uint32]trexDefaults) error {
	return walk(data, 0, func(b box) error {
		switch b.typ {
		case "trak":
			t, err := parseTrak(b.data)
			if err != nil {
				return err
			}
			f.tracks = append(f.tracks, t)
		case "mvex":
			return walk(b.data, 0, func(inner box) error {
				if inner.typ == "trex" && len(inner.data) >= 24 {
					id := binary.BigEndian.Uint32(inner.data[4:])
					trex[id] = trexDefaults{
						duration: binary.BigEndian.Uint32(inner.data[12:]),
						size:     binary.BigEndian.Uint32(inner.data[16:]),
						flags:    binary.BigEndian.Uint32(inner.data[20:]),
					}
				}
				return nil
			})
		}
		return nil
	})
}

func parseTrak(data []byte) (Track, error) {
	var t Track
	err := walk(data, 0, func(b box) error {
		switch b.typ {
		case "tkhd":
			if len(b.data) < 4 {
				return ErrTruncatedBox
			}
			version := b.data[0]
			idOff := 12
			if version == 1 {
				idOff = 20
			}
			if len(b.data) < idOff+4 {
				return ErrTruncatedBox
			}
			t.ID = binary.BigEndian.Uint32(b.data[idOff:])
		case "mdia":
			return walk(b.data, 0, func(inner box) error {
				switch inner.typ {
				case "mdhd":
					if len(inner.data) < 4 {
						return ErrTruncatedBox
					}
					version := inner.data[0]
					tsOff := 12
					if version == 1 {
						tsOff = 20
					}
					if len(inner.data) < tsOff+4 {
						return ErrTruncatedBox
					}
					t.Timescale = binary.BigEndian.Uint32(inner.data[tsOff:])
				case "hdlr":
					if len(inner.data) < 12 {
						return ErrTruncatedBox
					}
					t.Handler = string(inner.data[8:12])
				}
				return nil
			})
		}
		return nil
	})
	return t, err
}

// tfhd flag bits.
const (
	tfhdBaseDataOffset   = 0x000001
	tfhdSampleDescIndex  = 0x000002
	tfhdDefaultDuration  = 0x000008
	tfhdDefaultSize      = 0x000010
	tfhdDefaultFlags     = 0x000020
	tfhdDefaultBaseMoof  = 0x020000
	sampleFlagNonSync    = 0x00010000
	trunDataOffset       = 0x000001
	trunFirstSampleFlags = 0x000004
	trunSampleDuration   = 0x000100
	trunSampleSize       = 0x000200
	trunSampleFlags      = 0x000400
	trunSampleCTS        = 0x000800
)

func (f *File) parseMoof(data []byte, moofStart int, file []byte, trex map[uint32]trexDefaults, decodeTime map[uint32]int64) error {
	return walk(data, 0, func(b box) error {
		if b.typ != "traf" {
			return nil
		}
		return f.parseTraf(b.data, moofStart, file, trex, decodeTime)
	})
}

func (f *File) parseTraf(data []byte, moofStart int, file []byte, trex map[uint32]trexDefaults, decodeTime map[uint32]int64) error {
	var (
		trackID     uint32
		baseOffset  int64
		haveBase    bool
		defDuration uint32
		defSize     uint32
		defFlags    uint32
		trunBoxes   []box
	)
	err := walk(data, 0, func(b box) error {
		switch b.typ {
		case "tfhd":
			if len(b.data) < 8 {
				return ErrTruncatedBox
			}
			flags := binary.BigEndian.Uint32(b.data) & 0x00ffffff
			trackID = binary.BigEndian.Uint32(b.data[4:])
			pos := 8
			if d, ok := trex[trackID]; ok {
				defDuration, defSize, defFlags = d.duration, d.size, d.flags
			}
			if flags&tfhdBaseDataOffset != 0 {
				baseOffset = int64(binary.BigEndian.Uint64(b.data[pos:]))
				haveBase = true
				pos += 8
			}
			if flags&tfhdSampleDescIndex != 0 {
				pos += 4
			}
			if flags&tfhdDefaultDuration != 0 {
				defDuration = binary.BigEndian.Uint32(b.data[pos:])
				pos += 4
			}
			if flags&tfhdDefaultSize != 0 {
				defSize = binary.BigEndian.Uint32(b.data[pos:])
				pos += 4
			}
			if flags&tfhdDefaultFlags != 0 {
				defFlags = binary.BigEndian.Uint32(b.data[pos:])
			}
			if !haveBase {
				// default-base-is-moof, and in practice the moof
				// start also anchors trafs that omit the flag.
				baseOffset = int64(moofStart)
			}
		case "tfdt":
			if len(b.data) < 8 {
				return ErrTruncatedBox
			}
			if b.data[0] == 1 {
				if len(b.data) < 12 {
					return ErrTruncatedBox
				}
				decodeTime[trackID] = int64(binary.BigEndian.Uint64(b.data[4:]))
			} else {
				decodeTime[trackID] = int64(binary.BigEndian.Uint32(b.data[4:]))
			}
		case "trun":
			trunBoxes = append(trunBoxes, b)
		}
		return nil
	})
	if err != nil {
		return err
	}

	dts := decodeTime[trackID]
	for _, b := range trunBoxes {
		if len(b.data) < 8 {
			return ErrTruncatedBox
		}
		flags := binary.BigEndian.Uint32(b.data) & 0x00ffffff
		count := int(binary.BigEndian.Uint32(b.data[4:]))
		pos := 8
		dataPos := baseOffset
		if flags&trunDataOffset != 0 {
			dataPos = int64(moofStart) + int64(int32(binary.BigEndian.Uint32(b.data[pos:])))
			pos += 4
		}
		firstFlags := defFlags
		if flags&trunFirstSampleFlags != 0 {
			firstFlags = binary.BigEndian.Uint32(b.data[pos:])
			pos += 4
		}
		for i := 0; i < count; i++ {
			duration := defDuration
			size := defSize
			sflags := defFlags
			var cts int32
			if flags&trunSampleDuration != 0 {
				duration = binary.BigEndian.Uint32(b.data[pos:])
				pos += 4
			}
			if flags&trunSampleSize != 0 {
				size = binary.BigEndian.Uint32(b.data[pos:])
				pos += 4
			}
			if flags&trunSampleFlags != 0 {
				sflags = binary.BigEndian.Uint32(b.data[pos:])
				pos += 4
			}
			if i == 0 {
				sflags = firstFlags
			}
			if flags&trunSampleCTS != 0 {
				cts = int32(binary.BigEndian.Uint32(b.data[pos:]))
				pos += 4
			}
			if dataPos < 0 || dataPos+int64(size) > int64(len(file)) {
				return fmt.Errorf("%w: sample beyond mdat", ErrTruncatedBox)
			}
			f.samples[trackID] = append(f.samples[trackID], Sample{
				Data:     file[dataPos : dataPos+int64(size)],
				DTS:      dts,
				PTS:      dts + int64(cts),
				Duration: duration,
				Keyframe: sflags&sampleFlagNonSync == 0,
			})
			dataPos += int64(size)
			dts += int64(duration)
		}
	}
	decodeTime[trackID] = dts
	return nil
}
