package engine

// State identifies the segmenter's position in the utterance lifecycle.
type State string

const (
	// StateIdle means no speech activity is being tracked.
	StateIdle State = "idle"

	// StateConfirming means speech-like frames are arriving but have not yet
	// reached the confirmation count.
	StateConfirming State = "confirming_speech"

	// StateRecording means an utterance is being accumulated.
	StateRecording State = "recording"
)

// segmentEvent reports what a single processed frame produced.
type segmentEvent struct {
	// confirmed is set on the frame that transitions into recording.
	confirmed bool

	// finished is set on the frame that ends a recording, whether the
	// buffer was dispatched or discarded.
	finished bool

	// utterance holds the concatenated PCM of a finished recording that met
	// the minimum viable length. Nil when the recording was discarded.
	utterance []byte

	// frames is the buffer length at finish time, in frames.
	frames int
}

// segmenter is the idle/confirming/recording state machine that turns a
// stream of per-frame speech decisions into utterance buffers.
//
// Entering recording takes confirmFrames consecutive-ish speech frames: the
// counter decays by one on a silent frame rather than clearing, so a single
// energy dip during voice onset does not restart confirmation. Leaving takes
// silenceEndFrames consecutive silent frames, or the maxFrames cap.
//
// Speech frames seen during confirmation are kept aside and promoted into
// the utterance buffer when recording starts, so the dispatched audio
// includes the voice onset rather than beginning mid-word.
//
// The engine mutates the segmenter under its single mutex.
type segmenter struct {
	confirmFrames    int
	silenceEndFrames int
	maxFrames        int
	minFrames        int

	speechCount  int
	silenceCount int
	recording    bool
	onset        [][]byte
	frames       [][]byte
}

func newSegmenter(confirmFrames, silenceEndFrames, maxFrames, minFrames int) *segmenter {
	return &segmenter{
		confirmFrames:    confirmFrames,
		silenceEndFrames: silenceEndFrames,
		maxFrames:        maxFrames,
		minFrames:        minFrames,
	}
}

// process advances the state machine by one frame. frame is retained by
// reference while confirming or recording, so callers must hand in buffers
// they will not reuse.
func (s *segmenter) process(frame []byte, isSpeech, ttsActive bool) segmentEvent {
	// While TTS plays, any frame below the barge-in bar is treated as pure
	// playback echo: in-progress confirmation or recording is abandoned
	// outright rather than counted as trailing silence.
	if ttsActive && !isSpeech {
		s.reset()
		return segmentEvent{}
	}

	if !s.recording {
		if !isSpeech {
			if s.speechCount > 0 {
				s.speechCount--
				if s.speechCount == 0 {
					s.onset = nil
				}
			}
			return segmentEvent{}
		}
		s.speechCount++
		s.onset = append(s.onset, frame)
		if s.speechCount < s.confirmFrames {
			return segmentEvent{}
		}
		// Speech confirmed: the onset frames become the start of the buffer.
		s.recording = true
		s.silenceCount = 0
		s.frames = s.onset
		s.onset = nil
		return segmentEvent{confirmed: true}
	}

	s.frames = append(s.frames, frame)
	if isSpeech {
		s.silenceCount = 0
	} else {
		s.silenceCount++
		if s.silenceCount >= s.silenceEndFrames {
			return s.finish()
		}
	}
	if len(s.frames) >= s.maxFrames {
		return s.finish()
	}
	return segmentEvent{}
}

// finish ends the current recording. Buffers longer than the minimum viable
// length are concatenated and returned for dispatch; shorter ones are
// dropped as noise. State returns to idle either way.
func (s *segmenter) finish() segmentEvent {
	ev := segmentEvent{finished: true, frames: len(s.frames)}
	if len(s.frames) > s.minFrames {
		total := 0
		for _, f := range s.frames {
			total += len(f)
		}
		pcm := make([]byte, 0, total)
		for _, f := range s.frames {
			pcm = append(pcm, f...)
		}
		ev.utterance = pcm
	}
	s.reset()
	return ev
}

// reset drops all buffered audio and counters and returns to idle.
func (s *segmenter) reset() {
	s.recording = false
	s.speechCount = 0
	s.silenceCount = 0
	s.onset = nil
	s.frames = nil
}

// state derives the public State from the internal counters.
func (s *segmenter) state() State {
	switch {
	case s.recording:
		return StateRecording
	case s.speechCount > 0:
		return StateConfirming
	default:
		return StateIdle
	}
}

// bufferedFrames returns the current utterance buffer length in frames.
func (s *segmenter) bufferedFrames() int {
	return len(s.frames)
}
