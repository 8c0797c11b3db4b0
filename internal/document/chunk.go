package document

import (
	"strings"
	"unicode/utf8"
)

// ChunkOptions controls Split. Zero values take the defaults.
type ChunkOptions struct {
	Size     int // target maximum characters per chunk
	Overlap  int // characters carried into the next chunk; negative disables
	MinChars int // shorter chunks are dropped
}

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
	DefaultMinChunk     = 50
)

func (o ChunkOptions) withDefaults() ChunkOptions {
	if o.Size <= 0 {
		o.Size = DefaultChunkSize
	}
	if o.Overlap == 0 {
		o.Overlap = DefaultChunkOverlap
	}
	if o.Overlap < 0 || o.Overlap >= o.Size/2 {
		o.Overlap = 0
	}
	if o.MinChars <= 0 {
		o.MinChars = DefaultMinChunk
	}
	return o
}

// Split packs paragraphs into chunks of at most opts.Size characters. When a
// chunk is closed, its trailing words (about opts.Overlap characters) start
// the next one. Long paragraphs are cut on word boundaries so that overlap
// plus paragraph still fits.
func Split(text string, opts ChunkOptions) []string {
	opts = opts.withDefaults()

	var chunks []string
	var cur strings.Builder
	flush := func() {
		c := strings.TrimSpace(cur.String())
		cur.Reset()
		if len(c) >= opts.MinChars {
			chunks = append(chunks, c)
		}
		if tail := overlapTail(c, opts.Overlap); tail != "" {
			cur.WriteString(tail)
		}
	}

	for _, para := range paragraphs(text, opts.Size-opts.Overlap-1) {
		if cur.Len() > 0 && cur.Len()+1+len(para) > opts.Size {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(para)
	}
	if c := strings.TrimSpace(cur.String()); len(c) >= opts.MinChars {
		chunks = append(chunks, c)
	}
	return chunks
}

// paragraphs splits on blank lines and cuts any paragraph longer than limit on
// word boundaries. Whitespace inside a paragraph is collapsed.
func paragraphs(text string, limit int) []string {
	if limit < 1 {
		limit = 1
	}
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.Join(strings.Fields(p), " ")
		for len(p) > limit {
			cut := strings.LastIndexByte(p[:limit], ' ')
			if cut <= 0 {
				cut = limit
				for cut > 1 && !utf8.RuneStart(p[cut]) {
					cut--
				}
			}
			out = append(out, strings.TrimSpace(p[:cut]))
			p = strings.TrimSpace(p[cut:])
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// overlapTail returns the last whole words of s spanning at most n bytes.
func overlapTail(s string, n int) string {
	if n <= 0 || s == "" {
		return ""
	}
	if len(s) <= n {
		return ""
	}
	tail := s[len(s)-n:]
	i := strings.IndexByte(tail, ' ')
	if i < 0 {
		return ""
	}
	return tail[i+1:]
}
