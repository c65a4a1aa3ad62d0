package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/harunnryd/kiroku/internal/config"
	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/pathutil"

	"github.com/h2non/filetype"
)

const audioFilePlaceholder = "audio_file"

// PCM is mono 16-bit little-endian audio ready to upload.
type PCM struct {
	Data []byte
	// SampleRateHz is zero when the input carried no header.
	SampleRateHz int
	Container    string
}

// ResolveAudio loads the audio of c. A path containing {audio_file} is
// resolved against the run-scoped realtime.audio_file setting.
func ResolveAudio(c Case, run config.RealtimeConfig) (PCM, error) {
	if len(c.Audio) > 0 {
		return DecodePCM16(c.Audio)
	}

	path := strings.TrimSpace(c.AudioPath)
	if path == "" {
		path = run.AudioFile
	}
	if path == "" {
		return PCM{}, kirokuErrors.MissingField("audio")
	}

	if pathutil.HasPlaceholder(path, audioFilePlaceholder) {
		if strings.TrimSpace(run.AudioFile) == "" {
			return PCM{}, kirokuErrors.MissingField("realtime.audio_file")
		}
		resolved, err := pathutil.Substitute(path, map[string]string{audioFilePlaceholder: run.AudioFile})
		if err != nil {
			return PCM{}, kirokuErrors.InvalidConfig("audio", err.Error())
		}
		path = resolved
	}

	expanded, err := pathutil.Expand(path)
	if err != nil {
		return PCM{}, kirokuErrors.InvalidConfig("audio", err.Error())
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, fs.ErrNotExist) {
		return PCM{}, kirokuErrors.InvalidConfig("audio", fmt.Sprintf("audio file %s does not exist", expanded))
	}
	if err != nil {
		return PCM{}, fmt.Errorf("read audio: %w", err)
	}
	if len(data) == 0 {
		return PCM{}, kirokuErrors.InvalidConfig("audio", fmt.Sprintf("audio file %s is empty", expanded))
	}
	return DecodePCM16(data)
}

// DecodePCM16 unwraps a WAV container and passes headerless input through
// as raw pcm16. Other recognized formats are rejected.
func DecodePCM16(data []byte) (PCM, error) {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return PCM{Data: data, Container: "raw"}, nil
	}
	if kind.Extension == "wav" {
		return decodeWAV(data)
	}
	return PCM{}, kirokuErrors.InvalidField("audio", kind.MIME.Value, "unsupported audio container, expected pcm16 or wav")
}

func decodeWAV(data []byte) (PCM, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return PCM{}, kirokuErrors.InvalidField("audio", "wav", "malformed RIFF header")
	}

	var (
		format, channels, bits uint16
		rate                   uint32
		haveFmt                bool
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if size < 0 || end > len(data) {
			if id == "data" {
				// Streams written without a final size still carry samples to EOF.
				end = len(data)
			} else {
				return PCM{}, kirokuErrors.InvalidField("audio", "wav", fmt.Sprintf("chunk %q overruns file", id))
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return PCM{}, kirokuErrors.InvalidField("audio", "wav", "fmt chunk too short")
			}
			format = binary.LittleEndian.Uint16(data[body : body+2])
			channels = binary.LittleEndian.Uint16(data[body+2 : body+4])
			rate = binary.LittleEndian.Uint32(data[body+4 : body+8])
			bits = binary.LittleEndian.Uint16(data[body+14 : body+16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return PCM{}, kirokuErrors.InvalidField("audio", "wav", "data chunk before fmt chunk")
			}
			// 0xFFFE is WAVE_FORMAT_EXTENSIBLE.
			if (format != 1 && format != 0xFFFE) || bits != 16 || channels != 1 {
				return PCM{}, kirokuErrors.InvalidField("audio", fmt.Sprintf("format=%d channels=%d bits=%d", format, channels, bits), "wav must be mono 16-bit pcm")
			}
			if end == body {
				return PCM{}, kirokuErrors.InvalidField("audio", "wav", "data chunk is empty")
			}
			return PCM{Data: data[body:end], SampleRateHz: int(rate), Container: "wav"}, nil
		}

		off = end + size%2
	}
	return PCM{}, kirokuErrors.InvalidField("audio", "wav", "no data chunk")
}
