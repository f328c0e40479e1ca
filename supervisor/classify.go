package supervisor

import "strings"

// Level of a captured worker output line.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// errorMarkers promote a line to error regardless of any prefix tag.
var errorMarkers = []string{"error", "exception", "traceback"}

// tokenPrefixes are recognized level tags stripped before display.
var tokenPrefixes = []string{
	"[INFO]", "[WARN]", "[WARNING]", "[ERROR]", "[DEBUG]",
	"INFO:", "WARN:", "WARNING:", "ERROR:", "DEBUG:",
}

// ClassifyLine maps one raw worker output line to a display level and its
// cleaned text. A line containing an error marker (case-insensitive)
// surfaces as error; a line tagged WARN surfaces as warn; everything else
// is info.
func ClassifyLine(raw string) (Level, string) {
	text := strings.TrimSpace(raw)

	level := LevelInfo
	upper := strings.ToUpper(text)
	for _, prefix := range tokenPrefixes {
		if strings.HasPrefix(upper, prefix) {
			switch {
			case strings.HasPrefix(prefix, "[WARN") || strings.HasPrefix(prefix, "WARN"):
				level = LevelWarn
			case strings.HasPrefix(prefix, "[ERROR") || strings.HasPrefix(prefix, "ERROR"):
				level = LevelError
			}
			text = strings.TrimSpace(text[len(prefix):])
			break
		}
	}

	lower := strings.ToLower(text)
	for _, marker := range errorMarkers {
		if strings.Contains(lower, marker) {
			level = LevelError
			break
		}
	}
	return level, text
}
