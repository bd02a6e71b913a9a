package mp4

/*
 Tiny fragment builder used by tests across the repo to synthesize
 playable fixtures without shipping binary files.
*/

import "encoding/binary"

// FragmentSample describes one sample fed to BuildFragment.
type FragmentSample struct {
	Duration uint32
	Data     []byte
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func newBox(typ string, payload ...[]byte) []byte {
	size := 8
	for _, p := range payload {
		size += len(p)
	}
	out := make([]byte, 0, size)
	out = append(out, u32(uint32(size))...)
	out = append(out, typ...)
	for _, p := range payload {
		out = append(out, p...)
	}
	return out
}

// BuildInit renders an initialization section declaring the given
// tracks.
func BuildInit(tracks []Track) []byte {
	ftyp := newBox("ftyp", []byte("iso5"), u32(512), []byte("iso5iso6mp41"))
	mvhd := newBox("mvhd", make([]byte, 100))
	var traks []byte
	var trexes []byte
	for _, t := range tracks {
		tkhd := make([]byte, 84)
		copy(tkhd[12:], u32(t.ID))
		mdhd := make([]byte, 24)
		copy(mdhd[12:], u32(t.Timescale))
		hdlr := make([]byte, 0, 25)
		hdlr = append(hdlr, make([]byte, 8)...)
		hdlr = append(hdlr, t.Handler...)
		hdlr = append(hdlr, make([]byte, 13)...)
		mdia := newBox("mdia",
			newBox("mdhd", mdhd),
			newBox("hdlr", hdlr),
			newBox("minf", newBox("stbl", newBox("stsd", make([]byte, 8)))),
		)
		traks = append(traks, newBox("trak", newBox("tkhd", tkhd), mdia)...)
		trex := make([]byte, 24)
		copy(trex[4:], u32(t.ID))
		trexes = append(trexes, newBox("trex", trex)...)
	}
	moov := newBox("moov", mvhd, traks, newBox("mvex", trexes))
	return append(ftyp, moov...)
}

// BuildFragment renders one moof/mdat pair for a track. Sample data
// offsets are relative to the moof start, so fragments concatenate
// freely after an init section.
func BuildFragment(trackID uint32, baseTime int64, samples []FragmentSample) []byte {
	tfhd := make([]byte, 8)
	copy(tfhd, u32(tfhdDefaultBaseMoof))
	copy(tfhd[4:], u32(trackID))

	tfdt := make([]byte, 12)
	tfdt[0] = 1
	copy(tfdt[4:], u64(uint64(baseTime)))

	trun := make([]byte, 0, 12+8*len(samples))
	trun = append(trun, u32(trunDataOffset|trunSampleDuration|trunSampleSize)...)
	trun = append(trun, u32(uint32(len(samples)))...)
	dataOffsetAt := len(trun)
	trun = append(trun, u32(0)...) // patched below
	var mdatPayload []byte
	for _, s := range samples {
		trun = append(trun, u32(s.Duration)...)
		trun = append(trun, u32(uint32(len(s.Data)))...)
		mdatPayload = append(mdatPayload, s.Data...)
	}

	traf := newBox("traf", newBox("tfhd", tfhd), newBox("tfdt", tfdt), newBox("trun", trun))
	mfhd := newBox("mfhd", make([]byte, 8))
	moof := newBox("moof", mfhd, traf)

	// First sample byte sits right after the mdat header.
	patchTrunOffset(moof, dataOffsetAt, uint32(len(moof)+8))
	return append(moof, newBox("mdat", mdatPayload)...)
}

func patchTrunOffset(moof []byte, trunPayloadOffset int, value uint32) {
	// Locate the trun payload inside moof: moof(8) mfhd(16) traf(8)
	// tfhd(16) tfdt(20) trun(8) payload.
	pos := 8 + 16 + 8 + 16 + 20 + 8 + trunPayloadOffset
	binary.BigEndian.PutUint32(moof[pos:], value)
}
