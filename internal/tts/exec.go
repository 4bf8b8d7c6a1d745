package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// waitDelay bounds how long Wait keeps pipes open for orphaned grandchildren.
const waitDelay = 2 * time.Second

type execSynth struct {
	cmd        []string
	modelPath  string
	voicesPath string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate"`
	Final      bool   `json:"final"`
	Error      string `json:"error"`
}

// NewExecSynth runs command once per request. The request is written to stdin
// as one JSON object; the command answers with JSON lines carrying base64
// 16-bit little-endian PCM until a line marked final.
func NewExecSynth(command, modelPath, voicesPath string, sampleRate, channels int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{
		cmd:        args,
		modelPath:  modelPath,
		voicesPath: voicesPath,
		sampleRate: sampleRate,
		channels:   channels,
	}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Speed:      req.Speed,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Audio{}, err
	}

	args := append([]string{}, e.cmd[1:]...)
	if e.modelPath != "" {
		args = append(args, "--model", e.modelPath)
	}
	if e.voicesPath != "" {
		args = append(args, "--voices", e.voicesPath)
	}
	// cancelling kills the child so Wait cannot block on a writer nobody reads
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	cmd.WaitDelay = waitDelay
	cmd.Stdin = bytes.NewReader(append(data, '\n'))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Audio{}, err
	}
	if err := cmd.Start(); err != nil {
		return Audio{}, fmt.Errorf("start tts command: %w", err)
	}
	fail := func(err error) (Audio, error) {
		cancel()
		_ = cmd.Wait()
		return Audio{}, err
	}

	out := Audio{SampleRate: e.sampleRate, Channels: e.channels}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return fail(fmt.Errorf("decode tts response: %w", err))
		}
		if resp.Error != "" {
			return fail(fmt.Errorf("tts command: %s", resp.Error))
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return fail(fmt.Errorf("decode tts pcm: %w", err))
		}
		if len(pcm)%2 != 0 {
			return fail(fmt.Errorf("pcm payload not aligned"))
		}
		if resp.SampleRate > 0 {
			out.SampleRate = resp.SampleRate
		}
		for i := 0; i+1 < len(pcm); i += 2 {
			out.Samples = append(out.Samples, int(int16(binary.LittleEndian.Uint16(pcm[i:]))))
		}
		if resp.Final {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fail(err)
	}
	_, _ = io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		return Audio{}, fmt.Errorf("tts command failed: %w: %s", err, stderr.String())
	}
	return out, nil
}
