package encoder

import (
	"bytes"
	"testing"
)

func nalu(startCodeLen int, header byte, payload ...byte) []byte {
	var out []byte
	if startCodeLen == 4 {
		out = append(out, 0, 0, 0, 1)
	} else {
		out = append(out, 0, 0, 1)
	}
	out = append(out, header)
	return append(out, payload...)
}

func TestFilterAnnexBH264StripsAUDAndSEI(t *testing.T) {
	var stream []byte
	stream = append(stream, nalu(4, 0x09, 0xf0)...)             // AUD
	stream = append(stream, nalu(4, 0x67, 0x42, 0x00, 0x1f)...) // SPS
	stream = append(stream, nalu(4, 0x68, 0xce)...)             // PPS
	stream = append(stream, nalu(4, 0x06, 0x05, 0x01)...)       // SEI
	stream = append(stream, nalu(4, 0x65, 0x88, 0x84)...)       // IDR slice

	got := FilterAnnexB(CodecH264, stream)

	var want []byte
	want = append(want, nalu(4, 0x67, 0x42, 0x00, 0x1f)...)
	want = append(want, nalu(4, 0x68, 0xce)...)
	want = append(want, nalu(4, 0x65, 0x88, 0x84)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("filtered stream mismatch:\n got %x\nwant %x", got, want)
	}
}

func TestFilterAnnexBNoChangeReturnsInput(t *testing.T) {
	stream := nalu(4, 0x65, 1, 2, 3)
	got := FilterAnnexB(CodecH264, stream)
	if &got[0] != &stream[0] {
		t.Fatal("clean stream was copied")
	}
}

func TestFilterAnnexBHEVC(t *testing.T) {
	// HEVC NAL header: type in bits 1..6 of the first byte.
	hdr := func(naluType int) byte { return byte(naluType << 1) }

	var stream []byte
	stream = append(stream, nalu(4, hdr(35), 0x01, 0x50)...) // AUD
	stream = append(stream, nalu(4, hdr(32), 0x01)...)       // VPS
	stream = append(stream, nalu(4, hdr(33), 0x01)...)       // SPS
	stream = append(stream, nalu(4, hdr(34), 0x01)...)       // PPS
	stream = append(stream, nalu(4, hdr(39), 0x01)...)       // prefix SEI
	stream = append(stream, nalu(4, hdr(19), 0x01)...)       // IDR_W_RADL

	got := FilterAnnexB(CodecHEVC, stream)

	var want []byte
	want = append(want, nalu(4, hdr(32), 0x01)...)
	want = append(want, nalu(4, hdr(33), 0x01)...)
	want = append(want, nalu(4, hdr(34), 0x01)...)
	want = append(want, nalu(4, hdr(19), 0x01)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("filtered HEVC stream mismatch:\n got %x\nwant %x", got, want)
	}

	if !ContainsIDR(CodecHEVC, got) {
		t.Fatal("IDR_W_RADL not detected")
	}
	if !hasParameterSets(CodecHEVC, got) {
		t.Fatal("VPS+SPS+PPS not detected")
	}
}

func TestFilterAnnexBAV1Passthrough(t *testing.T) {
	obu := []byte{0x12, 0x00, 0x0a, 0x0b}
	got := FilterAnnexB(CodecAV1, obu)
	if &got[0] != &obu[0] {
		t.Fatal("AV1 stream was not passed through")
	}
}

func TestContainsIDRH264(t *testing.T) {
	p := nalu(3, 0x41, 0x9a) // non-IDR slice
	if ContainsIDR(CodecH264, p) {
		t.Fatal("non-IDR slice flagged as IDR")
	}
	p = append(p, nalu(3, 0x65, 0x88)...)
	if !ContainsIDR(CodecH264, p) {
		t.Fatal("IDR slice not detected")
	}
}

func TestHasParameterSetsH264(t *testing.T) {
	var idr []byte
	idr = append(idr, nalu(4, 0x67, 0x42)...)
	idr = append(idr, nalu(4, 0x68, 0xce)...)
	idr = append(idr, nalu(4, 0x65, 0x88)...)
	if !hasParameterSets(CodecH264, idr) {
		t.Fatal("SPS+PPS not detected")
	}
	if hasParameterSets(CodecH264, nalu(4, 0x65, 0x88)) {
		t.Fatal("bare IDR reported as carrying parameter sets")
	}
}

func TestWalkAnnexBMixedStartCodes(t *testing.T) {
	var stream []byte
	stream = append(stream, nalu(3, 0x09, 0xf0)...)
	stream = append(stream, nalu(4, 0x65, 0x01, 0x02)...)

	var types []int
	walkAnnexB(stream, func(_, n []byte) {
		types = append(types, h264NALType(n))
	})
	if len(types) != 2 || types[0] != 9 || types[1] != 5 {
		t.Fatalf("walk found types %v", types)
	}
}
