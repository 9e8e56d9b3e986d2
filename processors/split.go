// Package processors holds the pipeline stages: video splitting, speech
// recognition, captioning, knowledge-graph construction, and the index
// and query pipelines that run inside worker processes.
package processors

import (
	"fmt"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"videorag/config"
)

// SegmentTimes describes one segment's span and the frame timestamps
// sampled from it. Rough frames feed captioning during indexing; fine
// frames are kept for detailed visual retrieval later.
type SegmentTimes struct {
	Start       float64
	End         float64
	RoughFrames []float64
	FineFrames  []float64
}

// Segmenter is the video splitting capability. The pipeline only needs
// segment boundaries, per-segment audio for ASR, clips for feature
// encoding, and frames for captioning.
type Segmenter interface {
	SplitVideo(videoPath, cacheDir string, cfg *config.Config) (map[int]string, map[int]SegmentTimes, error)
	ExtractAudio(videoPath, cacheDir string, index int, times SegmentTimes, sampleRate int) (string, error)
	SaveSegmentClip(videoPath, cacheDir string, index int, times SegmentTimes) (string, error)
	ExtractFrames(videoPath, cacheDir string, index int, frameTimes []float64) ([]string, error)
}

// FFmpegSegmenter shells out to ffmpeg and ffprobe.
type FFmpegSegmenter struct{}

func NewSegmenter() (*FFmpegSegmenter, error) {
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			return nil, fmt.Errorf("%s not found in PATH: %w", bin, err)
		}
	}
	return &FFmpegSegmenter{}, nil
}

func (s *FFmpegSegmenter) probeDuration(videoPath string) (float64, error) {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", videoPath, err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration of %s: %w", videoPath, err)
	}
	return dur, nil
}

// SplitVideo computes fixed-length segment boundaries from the probed
// duration. Segment names encode "<index>-<start>-<end>" in seconds,
// matching the ids stored alongside transcripts and captions. A final
// sliver shorter than one second folds into the previous segment.
func (s *FFmpegSegmenter) SplitVideo(videoPath, cacheDir string, cfg *config.Config) (map[int]string, map[int]SegmentTimes, error) {
	duration, err := s.probeDuration(videoPath)
	if err != nil {
		return nil, nil, err
	}
	if duration <= 0 {
		return nil, nil, fmt.Errorf("video %s has no duration", videoPath)
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, nil, err
	}

	segLen := float64(cfg.SegmentLength)
	names := map[int]string{}
	times := map[int]SegmentTimes{}
	index := 0
	for start := 0.0; start < duration; start += segLen {
		end := start + segLen
		if end > duration {
			end = duration
		}
		if end-start < 1 && index > 0 {
			prev := times[index-1]
			prev.End = end
			times[index-1] = prev
			names[index-1] = segmentName(index-1, prev.Start, end)
			break
		}
		t := SegmentTimes{
			Start:       start,
			End:         end,
			RoughFrames: sampleFrameTimes(start, end, cfg.RoughFrames),
			FineFrames:  sampleFrameTimes(start, end, cfg.FineFrames),
		}
		names[index] = segmentName(index, start, end)
		times[index] = t
		index++
	}
	log.Printf("Split %s into %d segments of up to %ds", filepath.Base(videoPath), len(names), cfg.SegmentLength)
	return names, times, nil
}

func segmentName(index int, start, end float64) string {
	return fmt.Sprintf("%d-%d-%d", index, int(start), int(math.Ceil(end)))
}

// sampleFrameTimes spreads n timestamps evenly across (start, end),
// offset half a step from the edges so frames land inside the segment.
func sampleFrameTimes(start, end float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	step := (end - start) / float64(n)
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, start+step*(float64(i)+0.5))
	}
	return out
}

// ExtractAudio writes one segment's audio as mono 16-bit PCM WAV at the
// configured sample rate, the format the ASR endpoint expects.
func (s *FFmpegSegmenter) ExtractAudio(videoPath, cacheDir string, index int, times SegmentTimes, sampleRate int) (string, error) {
	out := filepath.Join(cacheDir, fmt.Sprintf("audio_%d.wav", index))
	cmd := exec.Command("ffmpeg", "-y",
		"-ss", formatTime(times.Start),
		"-to", formatTime(times.End),
		"-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		out)
	if msg, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("ffmpeg audio segment %d: %w: %s", index, err, tail(msg))
	}
	return out, nil
}

// SaveSegmentClip cuts one segment as an mp4 with stream copy; the clip
// is what the shared model service encodes.
func (s *FFmpegSegmenter) SaveSegmentClip(videoPath, cacheDir string, index int, times SegmentTimes) (string, error) {
	out := filepath.Join(cacheDir, fmt.Sprintf("clip_%d.mp4", index))
	cmd := exec.Command("ffmpeg", "-y",
		"-ss", formatTime(times.Start),
		"-to", formatTime(times.End),
		"-i", videoPath,
		"-c", "copy",
		out)
	if msg, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("ffmpeg clip segment %d: %w: %s", index, err, tail(msg))
	}
	return out, nil
}

// ExtractFrames grabs one JPEG per timestamp for the captioning model.
func (s *FFmpegSegmenter) ExtractFrames(videoPath, cacheDir string, index int, frameTimes []float64) ([]string, error) {
	var frames []string
	for i, ts := range frameTimes {
		out := filepath.Join(cacheDir, fmt.Sprintf("frame_%d_%d.jpg", index, i))
		cmd := exec.Command("ffmpeg", "-y",
			"-ss", formatTime(ts),
			"-i", videoPath,
			"-frames:v", "1",
			"-q:v", "3",
			out)
		if msg, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("ffmpeg frame %d of segment %d: %w: %s", i, index, err, tail(msg))
		}
		frames = append(frames, out)
	}
	return frames, nil
}

func formatTime(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', 3, 64)
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 400 {
		s = s[len(s)-400:]
	}
	return s
}
