package tts

import "testing"

func TestVoiceStyleForSpeakerAAlwaysEnthusiastic(t *testing.T) {
	for _, emotion := range []string{"excited", "goal", "high_intensity", "anything_else", ""} {
		if got := voiceStyleFor("A", emotion); got != "enthusiastic" {
			t.Fatalf("speaker A emotion %q: got %q, want enthusiastic", emotion, got)
		}
	}
}

func TestVoiceStyleForSpeakerBFixedTable(t *testing.T) {
	cases := map[string]string{
		"analytical": "calm",
		"calm":       "calm",
		"neutral":    "calm",
		"concerned":  "dramatic",
		"penalty":    "dramatic",
		"dramatic":   "dramatic",
	}
	for emotion, want := range cases {
		if got := voiceStyleFor("B", emotion); got != want {
			t.Fatalf("speaker B emotion %q: got %q, want %q", emotion, got, want)
		}
	}
}

func TestVoiceStyleForSpeakerBUnlistedEmotionDefaultsCalm(t *testing.T) {
	if got := voiceStyleFor("B", "bewildered"); got != "calm" {
		t.Fatalf("expected unlisted B emotion to default to calm, got %q", got)
	}
}

func TestResolveVoiceNeverEmpty(t *testing.T) {
	for _, speaker := range []string{"A", "B"} {
		for _, emotion := range []string{"excited", "calm", "dramatic", "unknown"} {
			v := resolveVoice(speaker, emotion)
			if v.VoiceName == "" {
				t.Fatalf("resolveVoice(%q, %q) returned empty voice name", speaker, emotion)
			}
		}
	}
}
