package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const bitsPerSample = 16

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container. The returned byte slice is suitable for direct upload
// to a transcription provider. No external dependencies are required.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // sub-chunk size for PCM
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// DecodeWAV extracts the PCM payload and format from a RIFF/WAV container.
// Only uncompressed 16-bit PCM is supported; other encodings return an error.
// The returned slice aliases wav — callers that outlive wav must copy it.
func DecodeWAV(wav []byte) ([]byte, Format, error) {
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, Format{}, errors.New("audio: not a RIFF/WAVE stream")
	}

	var f Format
	// Walk sub-chunks; "fmt " and "data" may be preceded by others (LIST etc).
	pos := 12
	var pcm []byte
	for pos+8 <= len(wav) {
		id := string(wav[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(wav[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(wav) {
			size = len(wav) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, errors.New("audio: short fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(wav[body : body+2]); format != 1 {
				return nil, Format{}, fmt.Errorf("audio: unsupported wav format %d", format)
			}
			f.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			if bits := binary.LittleEndian.Uint16(wav[body+14 : body+16]); bits != bitsPerSample {
				return nil, Format{}, fmt.Errorf("audio: unsupported bit depth %d", bits)
			}
		case "data":
			pcm = wav[body : body+size]
		}
		// Chunks are word-aligned.
		pos = body + size + size%2
	}

	if f.SampleRate == 0 {
		return nil, Format{}, errors.New("audio: missing fmt chunk")
	}
	if pcm == nil {
		return nil, Format{}, errors.New("audio: missing data chunk")
	}
	return pcm, f, nil
}
