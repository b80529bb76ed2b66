package encoder

import (
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/hevc"
)

// H.264 NAL unit types the wire format cares about.
const (
	h264NALNonIDR = 1
	h264NALIDR    = 5
	h264NALSEI    = 6
	h264NALSPS    = 7
	h264NALPPS    = 8
	h264NALAUD    = 9
)

// HEVC NAL unit types.
const (
	hevcNALIDRWRadl = 19
	hevcNALIDRNLP   = 20
	hevcNALVPS      = 32
	hevcNALSPS      = 33
	hevcNALPPS      = 34
	hevcNALAUD      = 35
	hevcNALPrefixSEI = 39
)

// walkAnnexB calls fn for every NAL unit in an Annex B stream, passing the
// start-code slice and the NAL payload (header byte included).
func walkAnnexB(data []byte, fn func(startCode, nalu []byte)) {
	i := 0
	naluStart := -1
	codeStart := -1
	for i+2 < len(data) {
		startLen := 0
		if data[i] == 0 && data[i+1] == 0 {
			if data[i+2] == 1 {
				startLen = 3
			} else if data[i+2] == 0 && i+3 < len(data) && data[i+3] == 1 {
				startLen = 4
			}
		}
		if startLen == 0 {
			i++
			continue
		}
		if naluStart >= 0 {
			fn(data[codeStart:naluStart], data[naluStart:i])
		}
		codeStart = i
		naluStart = i + startLen
		i += startLen
	}
	if naluStart >= 0 {
		fn(data[codeStart:naluStart], data[naluStart:])
	}
}

func h264NALType(nalu []byte) int { return int(nalu[0] & 0x1f) }
func hevcNALType(nalu []byte) int { return int(nalu[0]>>1) & 0x3f }

// FilterAnnexB strips the delimiter units the wire format forbids: access
// unit delimiters and SEI for H.264 (types 9 and 6), AUD and prefix SEI for
// HEVC (35 and 39). AV1 OBU streams pass through untouched. The input slice
// is never modified; when nothing is stripped it is returned as-is.
func FilterAnnexB(codec Codec, data []byte) []byte {
	if codec == CodecAV1 {
		return data
	}

	strip := func(nalu []byte) bool {
		if len(nalu) == 0 {
			return true
		}
		switch codec {
		case CodecH264:
			t := h264NALType(nalu)
			return t == h264NALAUD || t == h264NALSEI
		case CodecHEVC:
			t := hevcNALType(nalu)
			return t == hevcNALAUD || t == hevcNALPrefixSEI
		}
		return false
	}

	needed := false
	walkAnnexB(data, func(_, nalu []byte) {
		if strip(nalu) {
			needed = true
		}
	})
	if !needed {
		return data
	}

	out := make([]byte, 0, len(data))
	walkAnnexB(data, func(code, nalu []byte) {
		if strip(nalu) {
			return
		}
		out = append(out, code...)
		out = append(out, nalu...)
	})
	return out
}

// ContainsIDR reports whether the stream carries a keyframe slice. For AV1
// the backend's buffer flag is authoritative, so this always returns false
// there and the caller must rely on the flag.
func ContainsIDR(codec Codec, data []byte) bool {
	found := false
	walkAnnexB(data, func(_, nalu []byte) {
		if len(nalu) == 0 {
			return
		}
		switch codec {
		case CodecH264:
			if h264NALType(nalu) == h264NALIDR {
				found = true
			}
		case CodecHEVC:
			t := hevcNALType(nalu)
			if t == hevcNALIDRWRadl || t == hevcNALIDRNLP {
				found = true
			}
		}
	})
	return found
}

// hasParameterSets reports whether an IDR carries its parameter sets
// ((V)PS+SPS+PPS), which the client needs to reset its decoder.
func hasParameterSets(codec Codec, data []byte) bool {
	var sps, pps bool
	vps := codec == CodecH264 // H.264 has no VPS
	walkAnnexB(data, func(_, nalu []byte) {
		if len(nalu) == 0 {
			return
		}
		switch codec {
		case CodecH264:
			switch h264NALType(nalu) {
			case h264NALSPS:
				sps = true
			case h264NALPPS:
				pps = true
			}
		case CodecHEVC:
			switch hevcNALType(nalu) {
			case hevcNALVPS:
				vps = true
			case hevcNALSPS:
				sps = true
			case hevcNALPPS:
				pps = true
			}
		}
	})
	return vps && sps && pps
}

// InspectSPS parses the stream's SPS and returns the coded dimensions.
// Used once per session to confirm the backend honored the configured
// geometry; parse failures are diagnostics, not stream errors.
func InspectSPS(codec Codec, data []byte) (width, height int, err error) {
	var spsNALU []byte
	walkAnnexB(data, func(_, nalu []byte) {
		if len(nalu) == 0 || spsNALU != nil {
			return
		}
		switch codec {
		case CodecH264:
			if h264NALType(nalu) == h264NALSPS {
				spsNALU = nalu
			}
		case CodecHEVC:
			if hevcNALType(nalu) == hevcNALSPS {
				spsNALU = nalu
			}
		}
	})
	if spsNALU == nil {
		return 0, 0, fmt.Errorf("no SPS in stream")
	}

	switch codec {
	case CodecH264:
		sps, err := avc.ParseSPSNALUnit(spsNALU, true)
		if err != nil {
			return 0, 0, fmt.Errorf("parse H.264 SPS: %w", err)
		}
		return int(sps.Width), int(sps.Height), nil
	case CodecHEVC:
		sps, err := hevc.ParseSPSNALUnit(spsNALU)
		if err != nil {
			return 0, 0, fmt.Errorf("parse HEVC SPS: %w", err)
		}
		return int(sps.PicWidthInLumaSamples), int(sps.PicHeightInLumaSamples), nil
	default:
		return 0, 0, fmt.Errorf("SPS inspection not applicable to %s", codec)
	}
}
