package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-audiobook/internal/audio"
)

const (
	// DefaultGTTSEndpoint is the public Google Translate speech endpoint.
	DefaultGTTSEndpoint = "https://translate.google.com/translate_tts"
	// gttsMaxChars is the longest text the endpoint accepts per request.
	gttsMaxChars = 100
)

type gttsSynth struct {
	endpoint   string
	httpClient *http.Client
	mu         sync.Mutex
}

// NewGTTSSynth speaks through the Google Translate TTS endpoint, which
// returns MP3. Segments longer than the endpoint limit are sent in pieces
// and the MP3 streams are joined frame-wise.
func NewGTTSSynth(endpoint string, httpClient *http.Client) Synthesizer {
	if endpoint == "" {
		endpoint = DefaultGTTSEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &gttsSynth{endpoint: endpoint, httpClient: httpClient}
}

func (g *gttsSynth) Synthesize(ctx context.Context, req SynthRequest) (Speech, error) {
	if err := checkRequest("gtts", req); err != nil {
		return Speech{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	pieces := splitWords(req.Text, gttsMaxChars)
	var mp3 []byte
	for i, piece := range pieces {
		data, err := g.fetch(ctx, piece, req.Language, i, len(pieces))
		if err != nil {
			return Speech{}, synthErr("gtts", err)
		}
		mp3 = append(mp3, data...)
	}
	if len(mp3) == 0 {
		return Speech{}, synthErr("gtts", errors.New("no audio returned"))
	}
	return Speech{Audio: mp3, Format: audio.FormatMP3}, nil
}

func (g *gttsSynth) fetch(ctx context.Context, text, lang string, idx, total int) ([]byte, error) {
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("client", "tw-ob")
	q.Set("tl", lang)
	q.Set("q", text)
	q.Set("idx", strconv.Itoa(idx))
	q.Set("total", strconv.Itoa(total))
	q.Set("textlen", strconv.Itoa(utf8.RuneCountInString(text)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TTS request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("TTS request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gtts error (status %d, lang %q): %s", resp.StatusCode, lang, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(resp.Body)
}

// splitWords breaks text into pieces of at most limit runes, preferring
// whitespace boundaries and hard-cutting words that are longer than limit.
func splitWords(text string, limit int) []string {
	var pieces []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			pieces = append(pieces, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	for _, word := range strings.Fields(text) {
		for utf8.RuneCountInString(word) > limit {
			flush()
			r := []rune(word)
			pieces = append(pieces, string(r[:limit]))
			word = string(r[limit:])
		}
		n := utf8.RuneCountInString(word)
		if curLen > 0 && curLen+1+n > limit {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(word)
		curLen += n
	}
	flush()
	return pieces
}
