package markdown

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvert(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "heading and inline emphasis",
			html: `<h1>Title</h1><p>Hello <strong>world</strong> and <em>you</em>.</p>`,
			want: "# Title\n\nHello **world** and _you_.",
		},
		{
			name: "paragraphs separated by source whitespace",
			html: "<p>first</p>\n\n   <p>second\n  line</p>",
			want: "first\n\nsecond line",
		},
		{
			name: "links drop scripts",
			html: `<p>See <a href="https://go.dev">Go</a><script>alert(1)</script></p>`,
			want: "See [Go](https://go.dev)",
		},
		{
			name: "javascript link keeps text only",
			html: `<a href="javascript:void(0)">click</a>`,
			want: "click",
		},
		{
			name: "image",
			html: `<img src="/cat.png" alt="a cat">`,
			want: "![a cat](/cat.png)",
		},
		{
			name: "nested unordered list",
			html: "<ul>\n<li>one</li>\n<li>two<ul><li>nested</li></ul></li>\n</ul>",
			want: "- one\n- two\n  - nested",
		},
		{
			name: "ordered list",
			html: `<ol><li>a</li><li>b</li></ol>`,
			want: "1. a\n2. b",
		},
		{
			name: "preformatted code keeps whitespace",
			html: "<pre><code>x := 1\n    y := 2</code></pre>",
			want: "```\nx := 1\n    y := 2\n```",
		},
		{
			name: "inline code is not escaped",
			html: `<p>run <code>go_test *</code> now</p>`,
			want: "run `go_test *` now",
		},
		{
			name: "markdown characters are escaped",
			html: `<p>2*3 = 6_</p>`,
			want: `2\*3 = 6\_`,
		},
		{
			name: "blockquote",
			html: `<blockquote><p>quoted</p><p>twice</p></blockquote>`,
			want: "> quoted\n>\n> twice",
		},
		{
			name: "head and style are dropped",
			html: `<html><head><title>t</title><style>p{}</style></head><body><hr><p>x</p></body></html>`,
			want: "---\n\nx",
		},
		{
			name: "empty",
			html: ``,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Convert(context.Background(), tt.html)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvert_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Convert(ctx, "<p>x</p>")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestWorker(t *testing.T) {
	w := NewWorker(Config{MaxInputBytes: 64, Concurrency: 1})

	got, err := w.Convert(context.Background(), "<p><b>ok</b></p>")
	require.NoError(t, err)
	assert.Equal(t, "**ok**", got)

	_, err = w.Convert(context.Background(), "<p>"+strings.Repeat("x", 100)+"</p>")
	assert.ErrorIs(t, err, ErrTooLarge)
}
