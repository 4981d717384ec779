package graph

import "strings"

// ErrorCategory classifies pipeline errors for diagnostics and metrics labels.
type ErrorCategory int

const (
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown ErrorCategory = iota
	// ErrCategoryDevice indicates capture device failures (missing, busy, unsupported)
	ErrCategoryDevice
	// ErrCategoryCodec indicates negotiation and encode/decode failures
	ErrCategoryCodec
	// ErrCategoryDisplay indicates display sink failures (no X server, no VA display)
	ErrCategoryDisplay
	// ErrCategoryIO indicates still-writing failures
	ErrCategoryIO
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryDisplay:
		return "display"
	case ErrCategoryIO:
		return "io"
	default:
		return "unknown"
	}
}

// Checked in order: the first matching category wins.
var categoryKeywords = []struct {
	category ErrorCategory
	keywords []string
}{
	{ErrCategoryIO, []string{
		"file-sink",
		"multifilesink",
		"writing to file",
		"no space",
		"disk full",
	}},
	{ErrCategoryDevice, []string{
		"/dev/video",
		"v4l2",
		"device",
		"busy",
		"permission denied",
		"cannot identify",
	}},
	{ErrCategoryCodec, []string{
		"not negotiated",
		"not-negotiated",
		"negotiation",
		"caps",
		"decode",
		"encode",
		"jpeg",
		"format",
		"missing plugin",
		"no element",
	}},
	{ErrCategoryDisplay, []string{
		"display-sink",
		"display",
		"xvimagesink",
		"vaapisink",
		"x server",
		"xv ",
		"window",
	}},
}

// Classify categorizes an error from its message, debug string and source.
// Heuristic keyword matching: backends do not expose error domains.
func Classify(source, message, debug string) ErrorCategory {
	combined := strings.ToLower(source + " " + message + " " + debug)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(combined, kw) {
				return c.category
			}
		}
	}
	return ErrCategoryUnknown
}
