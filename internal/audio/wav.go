package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = CanonicalRate
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(audioFormat)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(numChannels)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(sampleRate)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, byteRate); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockAlign); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(bitsPerSample)); err != nil {
		return err
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// ReadWAVSampleRate extracts the sample rate from a RIFF/WAVE header. It walks
// the chunk list so containers with extra chunks ahead of "fmt " still parse.
func ReadWAVSampleRate(wav []byte) (int, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return 0, fmt.Errorf("not a RIFF/WAVE container")
	}
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		if chunkID == "fmt " {
			if offset+16 > len(wav) {
				return 0, fmt.Errorf("truncated fmt chunk")
			}
			rate := int(binary.LittleEndian.Uint32(wav[offset+12 : offset+16]))
			if rate <= 0 {
				return 0, fmt.Errorf("invalid sample rate %d", rate)
			}
			return rate, nil
		}
		if chunkSize < 0 {
			return 0, fmt.Errorf("invalid chunk size")
		}
		offset += 8 + chunkSize
		if chunkSize%2 == 1 {
			offset++
		}
	}
	return 0, fmt.Errorf("fmt chunk not found")
}

// DecodeWAVPCM16 extracts mono PCM16 frames and the sample rate from a WAV
// container. It walks the chunk list, so extra chunks around "fmt " and
// "data" are skipped rather than mistaken for audio. Stereo input is
// downmixed by averaging channels.
func DecodeWAVPCM16(wav []byte) ([]byte, int, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE payload")
	}

	var (
		sampleRate int
		channels   int
		bits       int
		data       []byte
	)
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		if size < 0 {
			return nil, 0, fmt.Errorf("invalid chunk size")
		}
		body := off + 8
		if body+size > len(wav) {
			size = len(wav) - body
		}
		switch id {
		case "fmt ":
			if size >= 16 {
				channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
				sampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
				bits = int(binary.LittleEndian.Uint16(wav[body+14 : body+16]))
			}
		case "data":
			data = wav[body : body+size]
		}
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if sampleRate <= 0 || data == nil {
		return nil, 0, fmt.Errorf("missing fmt or data chunk")
	}
	if bits != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth %d", bits)
	}
	switch channels {
	case 1:
		return data, sampleRate, nil
	case 2:
		mono := make([]byte, 0, len(data)/2)
		for i := 0; i+4 <= len(data); i += 4 {
			l := int16(binary.LittleEndian.Uint16(data[i : i+2]))
			r := int16(binary.LittleEndian.Uint16(data[i+2 : i+4]))
			avg := int16((int32(l) + int32(r)) / 2)
			var buf [2]byte
			binary.LittleEndian.PutUint16(buf[:], uint16(avg))
			mono = append(mono, buf[:]...)
		}
		return mono, sampleRate, nil
	default:
		return nil, 0, fmt.Errorf("unsupported channel count %d", channels)
	}
}
