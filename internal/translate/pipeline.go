// Package translate implements the Translation Pipeline (§4.3): LLM-backed
// correction, per-language translation, and keyword extraction.
//
// Grounded directly on translator.py's translate_transcription, down to the
// prompt delimiters and the last-3-segment/50-character context windows.
// Concurrency shape (bounded fan-out, per-call timeout, circuit breaker)
// adapted from the teacher's internal/aws/pipeline.go processFinalTranscript.
package translate

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/g0v/realtime-relay/internal/httpclient"
	"github.com/g0v/realtime-relay/internal/keyword"
	"github.com/g0v/realtime-relay/internal/logging"
	"github.com/g0v/realtime-relay/internal/resilience"
	"github.com/g0v/realtime-relay/internal/segment"
)

const (
	llmTimeout        = 10 * time.Second
	contextWindowSize = 3
	contextCharLimit  = 50
)

// Pipeline runs the correction/translate/keyword-extraction algorithm
// against an OpenAI-compatible chat-completions endpoint.
type Pipeline struct {
	client    oai.Client
	model     string
	languages []string
	keywords  *keyword.Store
	breaker   *resilience.CircuitBreaker
	pool      *resilience.WorkerPool
	enabled   bool
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithBaseURL overrides the default OpenAI API base URL, for
// OpenAI-compatible gateways.
func WithBaseURL(url string) Option {
	return func(p *Pipeline) {
		if url != "" {
			p.client = oai.NewClient(option.WithBaseURL(url), option.WithHTTPClient(httpclient.Shared()))
		}
	}
}

// New constructs a Pipeline. If apiKey is empty or languages is empty, Run
// always returns its input unchanged, per §4.3 step 1.
func New(apiKey, model string, languages []string, keywords *keyword.Store, maxConcurrent int, opts ...Option) *Pipeline {
	p := &Pipeline{
		model:     model,
		languages: languages,
		keywords:  keywords,
		breaker:   resilience.New("openai-chat-completions", resilience.DefaultConfig()),
		pool:      resilience.NewWorkerPool(maxConcurrent, maxConcurrent*4),
		enabled:   apiKey != "" && len(languages) > 0,
	}
	if apiKey != "" {
		p.client = oai.NewClient(option.WithAPIKey(apiKey), option.WithHTTPClient(httpclient.Shared()))
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run implements §4.3's algorithm. view is the transcript snapshot the
// caller read before submitting this segment; skipCorrection selects the
// Translation Queue Manager's committed/partial operating mode.
func (p *Pipeline) Run(ctx context.Context, sid string, seg segment.Segment, view segment.View, skipCorrection bool) segment.Segment {
	out := seg.Clone()

	if !p.enabled {
		return out
	}
	text := strings.TrimSpace(seg.Result.Corrected)
	if text == "" {
		return out
	}

	currentKeywords := p.keywords.Get(ctx, sid)
	correctedCtx, translatedCtx := view.RecentContext(contextWindowSize, p.languages)

	corrected := text
	if !skipCorrection {
		corrected = p.correct(ctx, currentKeywords, correctedCtx, text)
	}
	if ctx.Err() != nil {
		return out
	}

	// Keyword extraction (committed segments only) runs alongside the
	// per-language translation workers.
	var newKeywords []string
	var keywordsDone chan struct{}
	if !seg.Partial {
		keywordsDone = make(chan struct{})
		go func() {
			defer close(keywordsDone)
			newKeywords = p.extractKeywords(ctx, corrected)
		}()
	}
	translated := p.translateAll(ctx, currentKeywords, translatedCtx, corrected, view.Partial)
	if keywordsDone != nil {
		<-keywordsDone
	}
	if ctx.Err() != nil {
		return out
	}

	out.Result.Corrected = corrected
	out.Result.Translated = translated

	if len(newKeywords) > 0 {
		p.keywords.AppendNew(ctx, sid, newKeywords)
		out.Result.SpecialKeywords = mergeKeywords(seg.Result.SpecialKeywords, newKeywords)
	}

	return out
}

func (p *Pipeline) correct(ctx context.Context, keywords []string, correctedCtx []string, text string) string {
	developer := "This is a transcription about:\n" + strings.Join(keywords, ", ") +
		"\n\nCorrect the text **only in <correct_this>** as \"corrected text\" according to the reference and context.\nReturn only the corrected text, no any comment."
	user := truncateJoined(correctedCtx, contextCharLimit) + "\n<correct_this>\n" + text + "\n</correct_this>"

	result, err := p.chat(ctx, developer, user, false)
	if err != nil || result == "" {
		return text
	}
	return stripDelimiters(result, "correct_this")
}

func (p *Pipeline) translateAll(ctx context.Context, keywords []string, translatedCtx map[string][]string, corrected string, partial *segment.Segment) map[string]string {
	results := make(map[string]string, len(p.languages))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, lang := range p.languages {
		lang := lang
		wg.Add(1)
		err := p.pool.Submit(ctx, func() {
			defer wg.Done()
			translated := p.translateOne(ctx, keywords, translatedCtx[lang], corrected, lang, partial)
			mu.Lock()
			results[lang] = translated
			mu.Unlock()
		})
		if err != nil {
			mu.Lock()
			results[lang] = corrected
			mu.Unlock()
			wg.Done()
		}
	}
	wg.Wait()
	return results
}

func (p *Pipeline) translateOne(ctx context.Context, keywords []string, langCtx []string, corrected, lang string, partial *segment.Segment) string {
	prevHint := ""
	if partial != nil {
		if prev := partial.Result.Translated[lang]; prev != "" {
			prevHint = "<prev_translation>\n" + prev + "......\n</prev_translation>\n"
		}
	}

	developer := "This is a transcription about:\n" + strings.Join(keywords, ", ") +
		"\n\nRewrite the text **only in <translate_this>** into " + lang + ", the sentence might not ended yet.\nReturn only the translated text, no any comment.\n" + prevHint
	user := truncateJoined(langCtx, contextCharLimit) + "\n<translate_this>\n" + corrected + "\n</translate_this>"

	result, err := p.chat(ctx, developer, user, false)
	if err != nil || result == "" {
		return corrected
	}
	return stripDelimiters(result, "translate_this")
}

func (p *Pipeline) extractKeywords(ctx context.Context, corrected string) []string {
	developer := "If there are very special keywords in the provide text, add them to the special_keywords list.\nreturn in json format:\n{\"special_keywords\": []}"

	result, err := p.chat(ctx, developer, corrected, true)
	if err != nil || result == "" {
		return nil
	}
	var parsed struct {
		SpecialKeywords []string `json:"special_keywords"`
	}
	if err := json.Unmarshal([]byte(result), &parsed); err != nil {
		logging.Tag("translate").Sugar().Warnw("keyword json parse failed", "err", err)
		return nil
	}
	return parsed.SpecialKeywords
}

func (p *Pipeline) chat(ctx context.Context, developer, user string, jsonObject bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(developer),
			oai.UserMessage(user),
		},
		Temperature: param.NewOpt(0.0),
	}
	if jsonObject {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	var content string
	err := p.breaker.Execute(func() error {
		resp, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return nil
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		logging.Tag("translate").Sugar().Warnw("llm call failed", "err", err)
		return "", err
	}
	return strings.TrimSpace(content), nil
}

func truncateJoined(parts []string, limit int) string {
	joined := strings.Join(parts, " ")
	runes := []rune(joined)
	if len(runes) <= limit {
		return joined
	}
	return string(runes[len(runes)-limit:])
}

func stripDelimiters(text, tag string) string {
	text = strings.ReplaceAll(text, "<"+tag+">", "")
	text = strings.ReplaceAll(text, "</"+tag+">", "")
	return strings.TrimSpace(text)
}

func mergeKeywords(existing, fresh []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, k := range existing {
		seen[k] = true
	}
	for _, k := range fresh {
		if !seen[k] {
			out = append(out, k)
			seen[k] = true
		}
	}
	return out
}
