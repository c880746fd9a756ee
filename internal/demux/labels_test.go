package demux

import (
	"fmt"
	"strings"
	"testing"
)

func TestParseHandlerNames(t *testing.T) {
	lines := []string{
		"Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'input.mp4':",
		"      handler_name    : VideoHandler",
		"      HANDLER_NAME    : Lead Vocal  ",
		"      handler_name    : ISO Media file produced by Google Inc.",
		"      handler_name:Drum Bus",
		"      handler_name    : soundhandler",
		"      handler_name    :    ",
	}
	got := ParseHandlerNames(lines)
	want := []string{"Lead Vocal", "Drum Bus"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("ParseHandlerNames = %q, want %q", got, want)
	}
}

func TestParseHandlerNamesCapped(t *testing.T) {
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, fmt.Sprintf("handler_name : Track %d", i))
	}
	if got := len(ParseHandlerNames(lines)); got != MaxTracks {
		t.Errorf("len(ParseHandlerNames) = %d, want %d", got, MaxTracks)
	}
}

func TestResolveLabelsFallbacks(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		count int
		want  []string
	}{
		{"empty log", nil, 3, []string{"Vocals", "Drums", "Bass"}},
		{"partial names", []string{"handler_name : Keys"}, 2, []string{"Keys", "Drums"}},
		{"all defaults", nil, 6, DefaultLabels},
		{"past defaults", nil, 8, append(append([]string{}, DefaultLabels...), "Stem 7", "Stem 8")},
		{"zero", []string{"handler_name : Keys"}, 0, []string{}},
	}
	for _, tt := range tests {
		got := ResolveLabels(tt.lines, tt.count)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("%s: ResolveLabels = %q, want %q", tt.name, got, tt.want)
		}
	}
}

// ResolveLabels is total: always count labels, never a sentinel value.
func TestResolveLabelsTotality(t *testing.T) {
	sentinels := []string{
		"handler_name : SoundHandler",
		"handler_name : VideoHandler",
		"handler_name : ISO Media file produced by Google Inc.",
	}
	for count := 0; count <= 12; count++ {
		got := ResolveLabels(sentinels, count)
		if len(got) != count {
			t.Errorf("count %d: got %d labels", count, len(got))
		}
		for _, l := range got {
			if boilerplatePattern.MatchString(l) {
				t.Errorf("count %d: sentinel label %q leaked through", count, l)
			}
			if l == "" {
				t.Errorf("count %d: empty label", count)
			}
		}
	}
}

func TestParseAudioCodecs(t *testing.T) {
	lines := []string{
		"  Stream #0:0[0x1](und): Video: h264 (High) (avc1 / 0x31637661), yuv420p, 1920x1080",
		"  Stream #0:1[0x2](eng): Audio: aac (LC) (mp4a / 0x6134706D), 48000 Hz, stereo, fltp, 256 kb/s (default)",
		"  Stream #0:2(eng): Audio: opus (Opus / 0x7375704F), 48000 Hz, stereo, fltp",
		"  Stream #0:3: Audio: pcm_s24le, 48000 Hz, 2 channels, s32 (24 bit)",
		"  Stream #0:4[0x5](und): Data: none (tmcd / 0x64636D74)",
	}
	got := ParseAudioCodecs(lines)
	want := []string{"aac", "opus", "pcm_s24le"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ParseAudioCodecs = %v, want %v", got, want)
	}
}

func TestArtifactExt(t *testing.T) {
	tests := map[string]string{
		"":          ".aac",
		"aac":       ".aac",
		"opus":      ".ogg",
		"mp3":       ".mp3",
		"flac":      ".flac",
		"pcm_s16le": ".wav",
		"ac3":       ".mka",
	}
	for codec, want := range tests {
		if got := ArtifactExt(codec); got != want {
			t.Errorf("ArtifactExt(%q) = %q, want %q", codec, got, want)
		}
	}
}

func TestStemColorCycles(t *testing.T) {
	if StemColor(0) != "#33ff66" {
		t.Errorf("StemColor(0) = %q", StemColor(0))
	}
	if StemColor(len(StemColors)) != StemColor(0) {
		t.Error("colours should cycle by index")
	}
}
