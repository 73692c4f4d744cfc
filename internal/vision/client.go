// internal/vision/client.go
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iudex-br/sei-bridge/internal/config"
)

// ErrNoProposal means the model could not name a selector for the
// requested element.
var ErrNoProposal = errors.New("vision model proposed no selector")

const systemPrompt = `You locate elements in screenshots of the Brazilian SEI document system.
You receive a screenshot, a pruned list of interactive elements from the live DOM, and a description of one element.
Answer with exactly one line:
SELECTOR: <css selector>
The selector must match one of the provided interactive elements. If no element matches the description, answer exactly:
SELECTOR_NOT_FOUND`

// Client proposes CSS selectors from page screenshots via the Gemini
// generateContent API. Proposals are untrusted: callers must validate
// them against the live page before acting on them.
type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	cfg        config.VisionConfig
}

// -- Gemini API Request/Response Structures (Internal to this file) --

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *geminiBlobData `json:"inline_data,omitempty"`
}

type geminiBlobData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiSystemInstruction struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequestPayload struct {
	Contents          []geminiContent          `json:"contents"`
	SystemInstruction *geminiSystemInstruction `json:"system_instruction,omitempty"`
	GenerationConfig  geminiGenerationConfig   `json:"generationConfig"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// NewClient initializes the vision client.
func NewClient(cfg config.VisionConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("vision API key is required")
	}

	endpoint := fmt.Sprintf("%s/%s:generateContent",
		strings.TrimRight(cfg.Endpoint, "/"), cfg.Model)

	return &Client{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		cfg:      cfg,
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerMinute/60.0), 1),
		logger:  logger.Named("vision.gemini"),
	}, nil
}

// ProposeSelector asks the model for a CSS selector matching description
// on the screenshot. The elements dump narrows the model to selectors
// that actually exist in the DOM.
func (c *Client) ProposeSelector(ctx context.Context, screenshot []byte, elements, description string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("vision rate limit wait: %w", err)
	}

	payload := c.buildRequestPayload(screenshot, elements, description)
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second
	retries := backoff.WithMaxRetries(backoff.WithContext(b, ctx), c.cfg.MaxRetries)

	var responseText string

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", c.apiKey)

		startTime := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		duration := time.Since(startTime)

		if err != nil {
			c.logger.Warn("Network error during vision request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var responsePayload geminiResponsePayload
		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}

		if len(responsePayload.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}

		candidate := responsePayload.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
		}

		c.logger.Info("Vision proposal complete.",
			zap.Duration("duration", duration),
			zap.Int("prompt_tokens", responsePayload.UsageMetadata.PromptTokenCount),
			zap.Int("completion_tokens", responsePayload.UsageMetadata.CandidatesTokenCount),
		)

		responseText = candidate.Content.Parts[0].Text
		return nil
	}

	if err = backoff.Retry(operation, retries); err != nil {
		return "", err
	}

	return ParseProposal(responseText)
}

// ParseProposal extracts the selector from a model answer. Anything that
// is not a well formed "SELECTOR: <css>" line counts as no proposal.
func ParseProposal(answer string) (string, error) {
	for _, line := range strings.Split(answer, "\n") {
		line = strings.TrimSpace(line)
		if line == "SELECTOR_NOT_FOUND" {
			return "", ErrNoProposal
		}
		if rest, ok := strings.CutPrefix(line, "SELECTOR:"); ok {
			selector := strings.TrimSpace(rest)
			if selector == "" || selector == "SELECTOR_NOT_FOUND" {
				return "", ErrNoProposal
			}
			return selector, nil
		}
	}
	return "", ErrNoProposal
}

func (c *Client) buildRequestPayload(screenshot []byte, elements, description string) geminiRequestPayload {
	userText := fmt.Sprintf("Element description: %s\n\nInteractive elements on the page:\n%s", description, elements)

	return geminiRequestPayload{
		Contents: []geminiContent{
			{
				Role: "user",
				Parts: []geminiPart{
					{Text: userText},
					{InlineData: &geminiBlobData{
						MimeType: "image/jpeg",
						Data:     base64.StdEncoding.EncodeToString(screenshot),
					}},
				},
			},
		},
		SystemInstruction: &geminiSystemInstruction{
			Parts: []geminiPart{
				{Text: systemPrompt},
			},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     0.0,
			MaxOutputTokens: 256,
		},
	}
}

func (c *Client) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("Gemini API returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("gemini API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err // Transient errors, retry.
	default:
		return backoff.Permanent(err) // Permanent errors.
	}
}
