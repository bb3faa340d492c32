package encode

import (
	"encoding/binary"
	"fmt"
	"os"
)

// writeWAV writes pcm as a canonical mono 16-bit little-endian RIFF/WAVE
// file at path and returns the audio duration in milliseconds.
func writeWAV(path string, pcm []byte, sampleRate int) (float64, error) {
	if sampleRate <= 0 {
		return 0, fmt.Errorf("encode: invalid sample rate %d", sampleRate)
	}

	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(pcm)))
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(header[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(header[22:24], channels)
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(pcm)))

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("encode: create wav: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(header); err != nil {
		return 0, fmt.Errorf("encode: write wav header: %w", err)
	}
	if _, err := f.Write(pcm); err != nil {
		return 0, fmt.Errorf("encode: write wav data: %w", err)
	}

	samples := len(pcm) / 2
	return float64(samples) / float64(sampleRate) * 1000.0, nil
}
