package stream_test

import (
	"encoding/json"
	"math/rand"
	"strings"
	"testing"

	"github.com/MegaGrindStone/nova-chat/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trickyTokens = []string{
	"Hi",
	" there",
	"}\n{",
	"{\"nested\": {}}",
	"quote \" and backslash \\",
	"\\",
	"emoji 🎉 and ünïcödé",
	"",
	"line\nbreak",
	"}",
}

func frameBytes(t *testing.T, token string) string {
	t.Helper()
	b, err := json.Marshal(stream.Frame{Message: stream.FrameMessage{Role: "assistant", Content: token}})
	require.NoError(t, err)
	return string(b)
}

func buildStream(t *testing.T, tokens []string, sep string) string {
	t.Helper()
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		parts[i] = frameBytes(t, tok)
	}
	return strings.Join(parts, sep)
}

// decodeChunks feeds chunks in order and returns the concatenated content of every frame, plus the
// number of candidates that failed to parse.
func decodeChunks(chunks []string) (string, int) {
	var (
		dec       stream.Decoder
		sb        strings.Builder
		malformed int
	)
	apply := func(candidate []byte) {
		f, err := stream.ParseFrame(candidate)
		if err != nil {
			malformed++
			return
		}
		sb.WriteString(f.Message.Content)
	}
	for _, c := range chunks {
		for _, candidate := range dec.Feed([]byte(c)) {
			apply(candidate)
		}
	}
	if rest := dec.Flush(); rest != nil {
		apply(rest)
	}
	return sb.String(), malformed
}

func TestDecoderScenario(t *testing.T) {
	got, malformed := decodeChunks([]string{`{"message":{"content":"Hi"}}` + "\n" + `{"message":{"content":" there"}}`})

	assert.Equal(t, "Hi there", got)
	assert.Zero(t, malformed)
}

func TestDecoderEverySplitPoint(t *testing.T) {
	want := strings.Join(trickyTokens, "")

	for _, sep := range []string{"", "\n", "\r\n", "  \n\t"} {
		body := buildStream(t, trickyTokens, sep)
		for i := 0; i <= len(body); i++ {
			got, malformed := decodeChunks([]string{body[:i], body[i:]})
			require.Equalf(t, want, got, "sep %q split at %d", sep, i)
			require.Zerof(t, malformed, "sep %q split at %d", sep, i)
		}
	}
}

func TestDecoderRandomFragmentation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	want := strings.Join(trickyTokens, "")
	body := buildStream(t, trickyTokens, "\n")

	for round := 0; round < 200; round++ {
		var chunks []string
		rest := body
		for len(rest) > 0 {
			n := 1 + rng.Intn(16)
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		got, malformed := decodeChunks(chunks)
		require.Equal(t, want, got)
		require.Zero(t, malformed)
	}
}

func TestDecoderByteAtATime(t *testing.T) {
	body := buildStream(t, trickyTokens, "\n")
	chunks := make([]string, len(body))
	for i := range body {
		chunks[i] = body[i : i+1]
	}

	got, malformed := decodeChunks(chunks)

	assert.Equal(t, strings.Join(trickyTokens, ""), got)
	assert.Zero(t, malformed)
}

func TestDecoderMalformedRecovery(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		want          string
		wantMalformed int
	}{
		{
			name:          "balanced but invalid object",
			body:          `{"message":{"content":"a"}}{"message": oops}{"message":{"content":"b"}}`,
			want:          "ab",
			wantMalformed: 1,
		},
		{
			name:          "stray text between objects",
			body:          `{"message":{"content":"a"}}` + "\ngarbage\n" + `{"message":{"content":"b"}}`,
			want:          "ab",
			wantMalformed: 1,
		},
		{
			name:          "raw newline inside a string",
			body:          `{"message":{"content":"a` + "\n" + `{"message":{"content":"b"}}`,
			want:          "b",
			wantMalformed: 1,
		},
		{
			name:          "truncated final object",
			body:          `{"message":{"content":"a"}}` + "\n" + `{"message":{"cont`,
			want:          "a",
			wantMalformed: 1,
		},
		{
			name:          "non-object json",
			body:          `{"message":{"content":"a"}} 42 {"message":{"content":"b"}}`,
			want:          "ab",
			wantMalformed: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, malformed := decodeChunks([]string{tt.body})
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantMalformed, malformed)
		})
	}
}

func TestDecoderBuffersOnlyUnfinishedCandidate(t *testing.T) {
	var dec stream.Decoder

	out := dec.Feed([]byte(`{"message":{"content":"a"}}` + "\n" + `{"mess`))

	require.Len(t, out, 1)
	assert.Equal(t, len(`{"mess`), dec.Buffered())

	out = dec.Feed([]byte(`age":{"content":"b"}}`))
	require.Len(t, out, 1)
	assert.JSONEq(t, `{"message":{"content":"b"}}`, string(out[0]))
	assert.Zero(t, dec.Buffered())
	assert.Nil(t, dec.Flush())
}

func TestParseFrame(t *testing.T) {
	f, err := stream.ParseFrame([]byte(`{"model":"phi3","created_at":"2024-01-01T00:00:00Z","message":{"role":"assistant","content":"x"},"done":true,"done_reason":"stop","eval_count":3}`))
	require.NoError(t, err)
	assert.Equal(t, "phi3", f.Model)
	assert.Equal(t, "x", f.Message.Content)
	assert.True(t, f.Done)
	assert.Equal(t, "stop", f.DoneReason)

	f, err = stream.ParseFrame([]byte(`{"error":"model not found"}`))
	require.NoError(t, err)
	assert.Equal(t, "model not found", f.Error)

	_, err = stream.ParseFrame([]byte(`null`))
	var malformed *stream.MalformedError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, []byte(`null`), malformed.Candidate)
}
