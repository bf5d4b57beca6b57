package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ChainProvider adapts a langchaingo model to Provider.
type ChainProvider struct {
	kind    string
	model   string
	llm     llms.Model
	limiter *rate.Limiter
	retries int
	backoff time.Duration
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// ChainOptions tunes a ChainProvider.
type ChainOptions struct {
	// Retries is how many times a rate-limited request is retried.
	Retries int
	// Backoff is the wait used when the provider gives no hint.
	Backoff time.Duration
	// Limiter paces outgoing requests. Nil means unlimited.
	Limiter *rate.Limiter
	Logger  *zap.Logger
}

// NewChainProvider wraps m, which generates with model for provider kind.
func NewChainProvider(kind, model string, m llms.Model, opts ChainOptions) *ChainProvider {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 60 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &ChainProvider{
		kind:    kind,
		model:   model,
		llm:     m,
		limiter: opts.Limiter,
		retries: opts.Retries,
		backoff: opts.Backoff,
		logger:  opts.Logger,
		sleep:   sleepContext,
	}
}

func (p *ChainProvider) Name() string  { return p.kind }
func (p *ChainProvider) Model() string { return p.model }

// Stream generates a response, retrying rate limits up to the configured
// number of times. While waiting it yields a notice chunk naming the delay.
func (p *ChainProvider) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for attempt := 0; ; attempt++ {
			if err := p.limiter.Wait(ctx); err != nil {
				yield("", err)
				return
			}

			stopped, err := p.generate(ctx, req, yield)
			if stopped || err == nil {
				return
			}

			wait, limited := rateLimitDelay(err, p.backoff)
			if !limited || attempt >= p.retries {
				yield("", fmt.Errorf("%s: %w", p.kind, err))
				return
			}

			secs := int(math.Ceil(wait.Seconds()))
			p.logger.Warn("provider rate limit hit",
				zap.String("provider", p.kind),
				zap.Int("attempt", attempt+1),
				zap.Duration("retry_after", wait))
			if !yield(fmt.Sprintf("[%s rate limit hit. Retrying in %ds…]", displayName(p.kind), secs), nil) {
				return
			}
			if err := p.sleep(ctx, wait); err != nil {
				yield("", err)
				return
			}
		}
	}
}

var errConsumerStopped = errors.New("consumer stopped")

// generate runs one request. The model call blocks until completion, so it
// runs in its own goroutine and streamed chunks are relayed through a
// channel. stopped is true when the consumer ended iteration early.
func (p *ChainProvider) generate(ctx context.Context, req Request, yield func(string, error) bool) (stopped bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan string)
	type result struct {
		resp *llms.ContentResponse
		err  error
	}
	done := make(chan result, 1)

	opts := []llms.CallOption{
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			select {
			case chunks <- string(chunk):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}

	go func() {
		resp, err := p.llm.GenerateContent(ctx, toMessageContent(req), opts...)
		done <- result{resp: resp, err: err}
	}()

	streamed := false
	for {
		select {
		case chunk := <-chunks:
			if chunk == "" {
				continue
			}
			streamed = true
			if !yield(chunk, nil) {
				cancel()
				<-done
				return true, errConsumerStopped
			}
		case res := <-done:
			if res.err != nil {
				return false, res.err
			}
			// Models without streaming support only return the final content.
			if !streamed && res.resp != nil && len(res.resp.Choices) > 0 {
				if text := res.resp.Choices[0].Content; text != "" {
					if !yield(text, nil) {
						return true, errConsumerStopped
					}
				}
			}
			return false, nil
		}
	}
}

func toMessageContent(req Request) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, m := range req.Messages {
		role := llms.ChatMessageTypeHuman
		if m.Role == RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
