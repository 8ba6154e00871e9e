// Package tts adapts Google Cloud's Text-to-Speech client into the
// Synthesize stage's single-call contract: one line of commentary text in,
// one rendered PCM WAV out, with the voice chosen by speaker and emotion.
package tts

import (
	"context"
	"fmt"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	texttospeechpb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"

	"github.com/christian-lee/broadcastpipeline/internal/audio"
)

// VoiceStyle names one configured Cloud TTS voice for a voice_style class.
type VoiceStyle struct {
	VoiceName string
	Pitch     float64
	Speed     float64
}

// voiceStyleTable maps the three fixed voice_style classes to a concrete
// Cloud TTS voice config.
var voiceStyleTable = map[string]VoiceStyle{
	"enthusiastic": {VoiceName: "en-US-Neural2-D", Pitch: 2, Speed: 1.15},
	"calm":         {VoiceName: "en-US-Neural2-F", Pitch: 0, Speed: 0.95},
	"dramatic":     {VoiceName: "en-US-Neural2-F", Pitch: -1, Speed: 0.9},
}

// bEmotionToStyle is the speaker-B half of the fixed
// {speaker, emotion} -> voice_style table.
var bEmotionToStyle = map[string]string{
	"analytical": "calm",
	"calm":       "calm",
	"neutral":    "calm",
	"concerned":  "dramatic",
	"penalty":    "dramatic",
	"dramatic":   "dramatic",
}

// voiceStyleFor resolves the fixed mapping: speaker A is always
// enthusiastic regardless of emotion; speaker B's voice_style depends on
// its emotion tag, defaulting to calm for anything unlisted.
func voiceStyleFor(speaker, emotion string) string {
	if speaker != "B" {
		return "enthusiastic"
	}
	if style, ok := bEmotionToStyle[emotion]; ok {
		return style
	}
	return "calm"
}

func resolveVoice(speaker, emotion string) VoiceStyle {
	style := voiceStyleFor(speaker, emotion)
	if v, ok := voiceStyleTable[style]; ok {
		return v
	}
	return voiceStyleTable["enthusiastic"]
}

// Synthesizer turns commentary text into rendered WAV audio.
type Synthesizer struct {
	client *texttospeech.Client
}

// NewSynthesizer constructs a Synthesizer against Application Default
// Credentials.
func NewSynthesizer(ctx context.Context) (*Synthesizer, error) {
	c, err := texttospeech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("tts: create client: %w", err)
	}
	return &Synthesizer{client: c}, nil
}

// Synthesize renders one line of commentary as 24kHz/16-bit/mono PCM WAV.
func (s *Synthesizer) Synthesize(ctx context.Context, speaker, emotion, text string) ([]byte, error) {
	voice := resolveVoice(speaker, emotion)

	req := &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: "en-US",
			Name:         voice.VoiceName,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   texttospeechpb.AudioEncoding_LINEAR16,
			SampleRateHertz: int32(audio.SampleRate),
			Pitch:           voice.Pitch,
			SpeakingRate:    voice.Speed,
		},
	}

	resp, err := s.client.SynthesizeSpeech(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tts: synthesize: %w", err)
	}

	// Cloud TTS with LINEAR16 already returns a WAV container; EnsureWAV
	// passes that through and only wraps a header if the payload arrives
	// as raw PCM.
	return audio.EnsureWAV(resp.AudioContent, audio.SampleRate, 1, 16), nil
}

func (s *Synthesizer) Close() error {
	return s.client.Close()
}
