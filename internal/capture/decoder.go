package capture

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Audio encodings accepted from the browser.
const (
	EncodingPCM16 = "pcm16"
	EncodingWAV   = "wav"
)

// Format describes the audio a Stream delivers.
type Format struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
}

// Decoder turns the recorder output of a push-to-talk window into mono PCM.
type Decoder interface {
	Decode(data []byte, format Format) (samples []float32, sampleRate int, err error)
}

// PCMDecoder decodes raw PCM16 and PCM16 WAV containers.
type PCMDecoder struct{}

var _ Decoder = PCMDecoder{}

func (PCMDecoder) Decode(data []byte, format Format) ([]float32, int, error) {
	switch format.Encoding {
	case EncodingPCM16, "":
		if format.SampleRate <= 0 {
			return nil, 0, fmt.Errorf("invalid sample rate %d", format.SampleRate)
		}
		return PCM16ToFloat32(data), format.SampleRate, nil
	case EncodingWAV:
		return decodeWAV(data)
	default:
		return nil, 0, fmt.Errorf("unsupported encoding: %s", format.Encoding)
	}
}

func decodeWAV(data []byte) ([]float32, int, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil, 0, errors.New("not a RIFF/WAVE stream")
	}

	var (
		channels      int
		sampleRate    int
		bitsPerSample int
		haveFmt       bool
	)

	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			// browsers streaming a recording often leave the data size unset
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, 0, errors.New("short fmt chunk")
			}
			if audioFormat := binary.LittleEndian.Uint16(data[body:]); audioFormat != 1 {
				return nil, 0, fmt.Errorf("unsupported wav format %d", audioFormat)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, errors.New("data chunk before fmt chunk")
			}
			if bitsPerSample != 16 {
				return nil, 0, fmt.Errorf("unsupported bits per sample %d", bitsPerSample)
			}
			if channels < 1 || sampleRate <= 0 {
				return nil, 0, fmt.Errorf("invalid wav header: channels=%d rate=%d", channels, sampleRate)
			}
			return downmix(PCM16ToFloat32(data[body:end]), channels), sampleRate, nil
		}

		pos = end + size%2
	}
	return nil, 0, errors.New("wav stream has no data chunk")
}

func downmix(samples []float32, channels int) []float32 {
	if channels == 1 {
		return samples
	}
	out := make([]float32, len(samples)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// EncodeWAV wraps mono PCM16 samples in a WAV container.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	pcm := Float32ToPCM16(samples)
	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
