package broadcast

import "github.com/christian-lee/broadcastpipeline/internal/pipeline"

// MessageType tags the wire frames sent to subscribers.
type MessageType string

const (
	MsgNarration MessageType = "narration"
	MsgAudio     MessageType = "audio"
	MsgBatchEnd  MessageType = "batch_end"
	MsgSkip      MessageType = "skip"
	MsgEnd       MessageType = "end"
)

// SubscribeRequest is the control frame a subscriber sends immediately
// after connecting: {"op": "subscribe", "game_id": "...", "since": "01_05_00"}.
// since is optional and, when present, names the last game_time the
// subscriber already has, so the hub can replay whatever it missed.
type SubscribeRequest struct {
	Op     string `json:"op"`
	GameID string `json:"game_id"`
	Since  string `json:"since,omitempty"`
}

// Message is the envelope for every frame written to a subscriber.
type Message struct {
	Type         MessageType `json:"type"`
	GameID       string      `json:"game_id"`
	GameTime     string      `json:"game_time,omitempty"`
	Sequence     int64       `json:"sequence,omitempty"`
	SegmentIndex int         `json:"segment_index,omitempty"`
	Speaker      string      `json:"speaker,omitempty"`
	Emotion      string      `json:"emotion,omitempty"`
	Kind         string      `json:"kind,omitempty"`
	Text         string      `json:"text,omitempty"`
	Encoding     string      `json:"encoding,omitempty"`
	AudioB64     string      `json:"data,omitempty"`
	Duration     float64     `json:"duration,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

// audioEncoding is the only encoding v1 ever emits, per the configuration
// surface's fixed audio_format.
const audioEncoding = "wav_pcm16_24k_mono"

// FramesForOutput expands one in-order pipeline output into the wire frame
// sequence a subscriber should receive: skip marker, or narration+audio
// frames per segment followed by a batch_end.
func FramesForOutput(out pipeline.Output) []Message {
	if out.Skipped {
		return []Message{{
			Type:     MsgSkip,
			GameID:   string(out.GameID),
			GameTime: out.At.String(),
			Sequence: out.Sequence,
			Reason:   out.SkipReason,
		}}
	}

	frames := make([]Message, 0, len(out.Narration.Segments)*2+1)
	for i, seg := range out.Narration.Segments {
		frames = append(frames, Message{
			Type:         MsgNarration,
			GameID:       string(out.GameID),
			GameTime:     seg.GameTime.String(),
			Sequence:     out.Sequence,
			SegmentIndex: i,
			Speaker:      seg.Speaker,
			Emotion:      seg.Emotion,
			Kind:         string(seg.Kind),
			Text:         seg.Text,
		})
		if i < len(out.Audio.Segments) && len(out.Audio.Segments[i].WAV) > 0 {
			audioSeg := out.Audio.Segments[i]
			frames = append(frames, Message{
				Type:         MsgAudio,
				GameID:       string(out.GameID),
				GameTime:     seg.GameTime.String(),
				Sequence:     out.Sequence,
				SegmentIndex: i,
				Speaker:      seg.Speaker,
				Emotion:      seg.Emotion,
				Encoding:     audioEncoding,
				AudioB64:     encodeBase64(audioSeg.WAV),
				Duration:     audioSeg.Duration.Seconds(),
			})
		}
	}
	frames = append(frames, Message{Type: MsgBatchEnd, GameID: string(out.GameID), GameTime: out.At.String(), Sequence: out.Sequence})
	return frames
}
