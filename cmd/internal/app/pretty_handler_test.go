package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	require.Equal(t, "INFO plain ERR", stripANSI(in))
	require.Equal(t, 4, visualLen(ansiBlue+"INFO"+ansiReset))
}

func TestWrapSegments_WrapsForNarrowWidth(t *testing.T) {
	t.Parallel()

	s1 := strings.Repeat("a", 20)
	s2 := strings.Repeat("b", 20)
	s3 := strings.Repeat("c", 20)

	lines := wrapSegments([]string{s1, s2, s3}, " | ", 60, "-> ")
	require.Equal(t, []string{s1 + " | " + s2, "-> " + s3}, lines)
}

func TestWrapSegments_TruncatesLongSegment(t *testing.T) {
	t.Parallel()

	lines := wrapSegments([]string{strings.Repeat("x", 80)}, " | ", 60, "-> ")
	require.Len(t, lines, 1)
	require.LessOrEqual(t, visualLen(lines[0]), 60)
	require.Contains(t, lines[0], truncMarker)
}

func TestTerminalWidth_PrefersExplicitOverride(t *testing.T) {
	t.Setenv("HEARTH_LOG_WIDTH", "88")
	t.Setenv("COLUMNS", "132")
	require.Equal(t, 88, (&prettyHandler{}).terminalWidth())
}

func TestTerminalWidth_UsesColumnsWhenOverrideMissing(t *testing.T) {
	t.Setenv("HEARTH_LOG_WIDTH", "")
	t.Setenv("COLUMNS", "72")
	require.Equal(t, 72, (&prettyHandler{}).terminalWidth())
}

func TestTerminalWidth_FallbackDefault(t *testing.T) {
	t.Setenv("HEARTH_LOG_WIDTH", "10")
	t.Setenv("COLUMNS", "20")
	require.Equal(t, defaultLogWidth, (&prettyHandler{}).terminalWidth())
}

func TestPrettyHandler_RendersRequestFields(t *testing.T) {
	t.Setenv("HEARTH_LOG_WIDTH", "400")

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	log.With("component", "http").WithGroup("req").Info("http.request",
		"method", "get",
		"status", 404,
		"duration_ms", int64(12),
		"note", "two words",
	)

	out := buf.String()
	require.Contains(t, out, "[INFO]")
	require.Contains(t, out, "http.request")
	require.Contains(t, out, "component=http")
	require.Contains(t, out, "req.method=get")
	require.Contains(t, out, "req.status=404")
	require.Contains(t, out, "req.duration_ms=12")
	require.Contains(t, out, `req.note="two words"`)
	require.NotContains(t, out, "\x1b[")
	require.True(t, strings.HasSuffix(out, "\n"))
}

func TestColorizeHelpers(t *testing.T) {
	t.Parallel()

	require.Equal(t, "200", colorizeStatusCode(200, false))
	require.Equal(t, ansiRed+"503"+ansiReset, colorizeStatusCode(503, true))
	require.Equal(t, "12ms", colorizeDurationMS(12, false))
	require.Equal(t, ansiYellow+"client_error"+ansiReset, colorizeResult("client_error", true))

	n, ok := valueToInt64(slog.StringValue("42"))
	require.True(t, ok)
	require.EqualValues(t, 42, n)
	_, ok = valueToInt64(slog.BoolValue(true))
	require.False(t, ok)
}
