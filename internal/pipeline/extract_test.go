package pipeline

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/joshsymonds/mailsentinel/internal/gmail"
)

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		msg  gmail.Message
		want string
	}{
		{
			name: "simple-plain",
			msg: gmail.Message{
				Payload: gmail.Part{MIMEType: "text/plain", Body: []byte("hello there")},
			},
			want: "hello there",
		},
		{
			name: "multipart-prefers-plain",
			msg: gmail.Message{
				Payload: gmail.Part{
					MIMEType: "multipart/alternative",
					Parts: []gmail.Part{
						{MIMEType: "text/html", Body: []byte("<p>hello</p>")},
						{MIMEType: "text/plain", Body: []byte("hello")},
					},
				},
			},
			want: "hello",
		},
		{
			name: "nested-multipart",
			msg: gmail.Message{
				Payload: gmail.Part{
					MIMEType: "multipart/mixed",
					Parts: []gmail.Part{{
						MIMEType: "multipart/alternative",
						Parts: []gmail.Part{
							{MIMEType: "text/plain", Body: []byte("nested body")},
						},
					}},
				},
			},
			want: "nested body",
		},
		{
			name: "html-fallback-tagged",
			msg: gmail.Message{
				Payload: gmail.Part{MIMEType: "text/html", Body: []byte("<p>only html</p>")},
			},
			want: "[HTML content] <p>only html</p>",
		},
		{
			name: "snippet-fallback",
			msg:  gmail.Message{Snippet: "snippet text"},
			want: "snippet text",
		},
		{
			name: "placeholder-never-empty",
			msg:  gmail.Message{},
			want: noContentMarker,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractText(tc.msg)
			if got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestExtractTextTruncatesHTML(t *testing.T) {
	long := strings.Repeat("x", htmlPreviewLimit+200)
	msg := gmail.Message{
		Payload: gmail.Part{MIMEType: "text/html", Body: []byte(long)},
	}
	got := ExtractText(msg)
	if !strings.HasPrefix(got, "[HTML content] ") {
		t.Fatalf("missing html tag: %q", got[:30])
	}
	if len(got) > len("[HTML content] ")+htmlPreviewLimit+len("…") {
		t.Fatalf("html preview not truncated: %d bytes", len(got))
	}
}

func TestExtractTextTruncatesHTMLOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("日", htmlPreviewLimit)
	msg := gmail.Message{
		Payload: gmail.Part{MIMEType: "text/html", Body: []byte(long)},
	}
	got := ExtractText(msg)
	if !utf8.ValidString(got) {
		t.Fatalf("preview contains a split rune: %q", got)
	}
}
