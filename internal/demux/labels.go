package demux

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultLabels name the stems when the container carries no handler names.
var DefaultLabels = []string{"Vocals", "Drums", "Bass", "Guitar", "Piano", "Ambience"}

// StemColors are the meter colours, cycled by stem index.
var StemColors = []string{"#33ff66", "#33d0ff", "#ff6b33", "#ff33a8", "#d833ff", "#ffee33"}

var (
	handlerPattern     = regexp.MustCompile(`(?i)handler_name\s*:\s*([^\r\n]+)`)
	boilerplatePattern = regexp.MustCompile(`(?i)ISO Media|SoundHandler|VideoHandler`)
	audioStreamPattern = regexp.MustCompile(`Stream #\d+:\d+(?:\[[^\]]*\])?(?:\([^)]*\))?: Audio: ([A-Za-z0-9_]+)`)
)

// ParseHandlerNames returns the handler names found in the log, in order,
// minus the muxer's generic sentinel values. At most MaxTracks are kept.
func ParseHandlerNames(lines []string) []string {
	var names []string
	for _, line := range lines {
		m := handlerPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		label := strings.TrimSpace(m[1])
		if label == "" || boilerplatePattern.MatchString(label) {
			continue
		}
		names = append(names, label)
		if len(names) == MaxTracks {
			break
		}
	}
	return names
}

// ResolveLabels returns exactly count labels: handler names from the log
// where present, then the default names, then "Stem N".
func ResolveLabels(lines []string, count int) []string {
	found := ParseHandlerNames(lines)
	resolved := make([]string, 0, max(count, 0))
	for i := 0; i < count; i++ {
		switch {
		case i < len(found):
			resolved = append(resolved, found[i])
		case i < len(DefaultLabels):
			resolved = append(resolved, DefaultLabels[i])
		default:
			resolved = append(resolved, fmt.Sprintf("Stem %d", i+1))
		}
	}
	return resolved
}

// StemColor returns the meter colour for stem i.
func StemColor(i int) string {
	if i < 0 {
		i = -i
	}
	return StemColors[i%len(StemColors)]
}

// ParseAudioCodecs lists the codec of each audio stream the probe printed,
// in stream order.
func ParseAudioCodecs(lines []string) []string {
	var codecs []string
	for _, line := range lines {
		if m := audioStreamPattern.FindStringSubmatch(line); m != nil {
			codecs = append(codecs, strings.ToLower(m[1]))
		}
	}
	return codecs
}

// ArtifactExt picks a container the stream-copied codec can be written to.
// Unknown codecs go to Matroska audio, which takes nearly anything; an
// unprobed track defaults to raw AAC.
func ArtifactExt(codec string) string {
	switch {
	case codec == "", codec == "aac":
		return ".aac"
	case codec == "opus":
		return ".ogg"
	case codec == "mp3":
		return ".mp3"
	case codec == "flac":
		return ".flac"
	case strings.HasPrefix(codec, "pcm_"):
		return ".wav"
	default:
		return ".mka"
	}
}
