package speech

import (
	"encoding/binary"
	"errors"
	"math"
)

// WAVInfo holds the format metadata extracted from a RIFF/WAVE header.
type WAVInfo struct {
	DataOffset    int // byte offset of the first PCM sample
	DataLen       int // length of the data chunk in bytes
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// ParseWAV walks the RIFF chunks of wav and returns the location of the
// sample data and the format from the "fmt " chunk.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 {
		return WAVInfo{}, errors.New("speech: WAV too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return WAVInfo{}, errors.New("speech: WAV missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, errors.New("speech: WAV missing WAVE identifier")
	}

	var info WAVInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtData[14:16]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			// Streaming encoders write 0 or 0xFFFFFFFF for unknown sizes.
			info.DataLen = min(chunkSize, len(wav)-info.DataOffset)
			if chunkSize == 0 {
				info.DataLen = len(wav) - info.DataOffset
			}
			if !foundFmt {
				info.SampleRate = 22050
				info.Channels = 1
				info.BitsPerSample = 16
			}
			return info, nil
		}

		// Chunks are word-aligned.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, errors.New("speech: WAV missing data chunk")
}

// ScaleWAV returns a copy of a 16-bit PCM WAV with every sample multiplied
// by factor, clipped to the int16 range.
func ScaleWAV(wav []byte, factor float64) ([]byte, error) {
	info, err := ParseWAV(wav)
	if err != nil {
		return nil, err
	}
	if info.BitsPerSample != 16 {
		return nil, errors.New("speech: volume scaling needs 16-bit PCM")
	}
	out := make([]byte, len(wav))
	copy(out, wav)
	pcm := out[info.DataOffset : info.DataOffset+info.DataLen]
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) * factor
		s = math.Max(math.MinInt16, math.Min(math.MaxInt16, s))
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(s)))
	}
	return out, nil
}
