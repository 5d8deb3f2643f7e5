package capture

import (
	"math"
	"time"
)

// SegmenterConfig tunes the RMS voice detector. Thresholds form a
// hysteresis band: speech starts above SpeechRMS and ends only after
// SilenceFrames frames below SilenceRMS.
type SegmenterConfig struct {
	SampleRate    int
	SpeechRMS     float64
	SilenceRMS    float64
	SpeechFrames  int
	SilenceFrames int
	PreRollFrames int
	MaxUtterance  time.Duration
}

func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		SampleRate:    16000,
		SpeechRMS:     0.015,
		SilenceRMS:    0.008,
		SpeechFrames:  3,  // ~60ms at 20ms frames
		SilenceFrames: 30, // ~600ms
		PreRollFrames: 10,
		MaxUtterance:  15 * time.Second,
	}
}

func (c *SegmenterConfig) applyDefaults() {
	d := DefaultSegmenterConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.SpeechRMS <= 0 {
		c.SpeechRMS = d.SpeechRMS
	}
	if c.SilenceRMS <= 0 || c.SilenceRMS > c.SpeechRMS {
		c.SilenceRMS = c.SpeechRMS
	}
	if c.SpeechFrames <= 0 {
		c.SpeechFrames = d.SpeechFrames
	}
	if c.SilenceFrames <= 0 {
		c.SilenceFrames = d.SilenceFrames
	}
	if c.PreRollFrames < c.SpeechFrames {
		c.PreRollFrames = c.SpeechFrames
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = d.MaxUtterance
	}
}

// Segmenter cuts a stream of PCM frames into utterances.
type Segmenter struct {
	cfg        SegmenterConfig
	maxSamples int

	inSpeech     bool
	speechCount  int
	silenceCount int

	preroll [][]float32
	buf     []float32
	idle    int // samples since the last utterance ended or the segmenter started
}

func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	cfg.applyDefaults()
	return &Segmenter{
		cfg:        cfg,
		maxSamples: int(cfg.MaxUtterance.Seconds() * float64(cfg.SampleRate)),
	}
}

// Feed consumes one frame. It returns a finished utterance when trailing
// silence closes one or it reaches MaxUtterance.
func (s *Segmenter) Feed(frame []float32) ([]float32, bool) {
	level := RMS(frame)

	if !s.inSpeech {
		s.idle += len(frame)
		s.pushPreroll(frame)

		if level < s.cfg.SpeechRMS {
			s.speechCount = 0
			return nil, false
		}
		s.speechCount++
		if s.speechCount < s.cfg.SpeechFrames {
			return nil, false
		}

		s.inSpeech = true
		s.speechCount = 0
		s.silenceCount = 0
		s.buf = s.buf[:0]
		for _, f := range s.preroll {
			s.buf = append(s.buf, f...)
		}
		s.preroll = s.preroll[:0]
		return s.cutIfLong()
	}

	s.buf = append(s.buf, frame...)

	if level < s.cfg.SilenceRMS {
		s.silenceCount++
		if s.silenceCount >= s.cfg.SilenceFrames {
			return s.finish(), true
		}
	} else {
		s.silenceCount = 0
	}

	return s.cutIfLong()
}

// Flush returns the utterance in progress, if any.
func (s *Segmenter) Flush() ([]float32, bool) {
	if !s.inSpeech || len(s.buf) == 0 {
		return nil, false
	}
	return s.finish(), true
}

func (s *Segmenter) Speaking() bool { return s.inSpeech }

// Silence reports how long no utterance has been in progress.
func (s *Segmenter) Silence() time.Duration {
	if s.inSpeech {
		return 0
	}
	return time.Duration(float64(s.idle) / float64(s.cfg.SampleRate) * float64(time.Second))
}

func (s *Segmenter) cutIfLong() ([]float32, bool) {
	if len(s.buf) >= s.maxSamples {
		return s.finish(), true
	}
	return nil, false
}

func (s *Segmenter) finish() []float32 {
	out := make([]float32, len(s.buf))
	copy(out, s.buf)

	s.buf = s.buf[:0]
	s.inSpeech = false
	s.silenceCount = 0
	s.idle = 0
	return out
}

func (s *Segmenter) pushPreroll(frame []float32) {
	if len(s.preroll) == s.cfg.PreRollFrames {
		copy(s.preroll, s.preroll[1:])
		s.preroll = s.preroll[:len(s.preroll)-1]
	}
	s.preroll = append(s.preroll, append([]float32(nil), frame...))
}

func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, x := range frame {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
