// Package llmdecision formats the link-choice prompt sent to an LLM run,
// extracts its answer, retries on malformed responses, and accumulates
// token usage across attempts.
package llmdecision

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/andrewginns/wikirace-arena/internal/v1/llmgateway"
)

// DefaultMaxTries and MaxTriesCap bound the answer-extraction retry loop:
// re-prompt up to DefaultMaxTries times by default, never more than
// MaxTriesCap regardless of what a caller requests.
const (
	DefaultMaxTries = 3
	MaxTriesCap     = 10
)

var answerTagRE = regexp.MustCompile(`(?i)<answer>(\d+)</answer>`)

// BuildPrompt formats the fixed link-choice prompt: current/target
// articles, the numbered candidate links, and the path travelled so far.
func BuildPrompt(current, target string, pathSoFar []string, links []string) string {
	var linksBlock strings.Builder
	for i, title := range links {
		fmt.Fprintf(&linksBlock, "%d. %s\n", i+1, title)
	}

	return "You are playing WikiRun, trying to navigate from one Wikipedia article to another using only links.\n\n" +
		"IMPORTANT: You MUST put your final answer in <answer>NUMBER</answer> tags, where NUMBER is the link number.\n" +
		"For example, if you want to choose link 3, output <answer>3</answer>.\n\n" +
		fmt.Sprintf("Current article: %s\n", current) +
		fmt.Sprintf("Target article: %s\n", target) +
		"Available links (numbered):\n" +
		linksBlock.String() + "\n" +
		fmt.Sprintf("Your path so far: %s\n\n", strings.Join(pathSoFar, " -> ")) +
		"Think about which link is most likely to lead you toward the target article.\n" +
		"First, analyze each link briefly and how it connects to your goal, then select the most promising one.\n\n" +
		"Remember to format your final answer by explicitly writing out the xml number tags like this: <answer>NUMBER</answer>"
}

// ExtractAnswer pulls a 1-based link index out of an LLM response. It
// returns a human-readable error message (not a Go error) matching the
// feedback the retry loop re-prompts the model with, since a malformed
// answer is an expected, recoverable outcome rather than a failure.
func ExtractAnswer(response string, maxAnswer int) (index int, errMsg string) {
	matches := answerTagRE.FindAllStringSubmatch(response, -1)
	if len(matches) == 0 {
		return 0, fmt.Sprintf("No <answer>NUMBER</answer> found. Choose a number between 1 and %d.", maxAnswer)
	}
	if len(matches) > 1 {
		return 0, "Multiple <answer> tags found. Respond with exactly one."
	}

	value, err := strconv.Atoi(matches[0][1])
	if err != nil {
		return 0, fmt.Sprintf("Answer is not a number. Choose a number between 1 and %d.", maxAnswer)
	}
	if value < 1 || value > maxAnswer {
		return 0, fmt.Sprintf("Answer out of bounds. Choose a number between 1 and %d.", maxAnswer)
	}
	return value, ""
}

// UsageTotals accumulates token counts across every retry attempt of a
// single decision.
type UsageTotals struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	SawPromptTokens  bool
	SawCompletion    bool
	SawAny           bool
}

func (u *UsageTotals) add(usage *llmgateway.Usage) {
	if usage == nil {
		return
	}
	if usage.PromptTokens != nil {
		u.PromptTokens += *usage.PromptTokens
		u.SawPromptTokens = true
		u.SawAny = true
	}
	if usage.CompletionTokens != nil {
		u.CompletionTokens += *usage.CompletionTokens
		u.SawCompletion = true
		u.SawAny = true
	}
	if usage.TotalTokens != nil {
		u.TotalTokens += *usage.TotalTokens
		u.SawAny = true
	} else if usage.PromptTokens != nil || usage.CompletionTokens != nil {
		p, c := 0, 0
		if usage.PromptTokens != nil {
			p = *usage.PromptTokens
		}
		if usage.CompletionTokens != nil {
			c = *usage.CompletionTokens
		}
		u.TotalTokens += p + c
		u.SawAny = true
	}
}

// Outcome is the result of the answer-choice retry loop.
type Outcome struct {
	// ChosenIndex is 0 if every attempt was exhausted without a valid
	// answer; otherwise it is the 1-based link index the model picked.
	ChosenIndex int
	Metadata    map[string]any
}

// Gateway is the subset of llmgateway.Gateway this package depends on.
type Gateway interface {
	Call(ctx context.Context, prompt string, params llmgateway.Params) (string, *llmgateway.Usage, error)
}

// ChooseLink runs the prompt/extract/retry loop: send the prompt, try to
// parse an <answer>N</answer>, and on failure append the parse error as a
// hint and re-prompt, up to maxTries times.
func ChooseLink(ctx context.Context, gw Gateway, params llmgateway.Params, current, target string, pathSoFar, links []string, maxTries int) (*Outcome, error) {
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	if maxTries > MaxTriesCap {
		maxTries = MaxTriesCap
	}

	basePrompt := BuildPrompt(current, target, pathSoFar, links)
	prompt := basePrompt

	var llmOutputs []string
	var lastOutput string
	var answerErrors []string
	totals := &UsageTotals{}

	chosenIndex := 0
	usedTry := 0

	for try := 0; try < maxTries; try++ {
		text, usage, err := gw.Call(ctx, prompt, params)
		if err != nil {
			return nil, fmt.Errorf("llmdecision: call attempt %d: %w", try, err)
		}

		llmOutputs = append(llmOutputs, text)
		lastOutput = text
		totals.add(usage)

		answer, errMsg := ExtractAnswer(text, len(links))
		if errMsg == "" {
			chosenIndex = answer
			usedTry = try
			break
		}
		answerErrors = append(answerErrors, errMsg)
		prompt = fmt.Sprintf("%s\n\nIMPORTANT: %s", basePrompt, errMsg)
	}

	metadata := map[string]any{}

	if chosenIndex == 0 {
		metadata["tries"] = maxTries
		metadata["answer_errors"] = answerErrors
		metadata["llm_output"] = lastOutput
	} else {
		metadata["tries"] = usedTry
		metadata["llm_output"] = lastOutput
	}

	if len(llmOutputs) > 1 {
		metadata["llm_outputs"] = llmOutputs
	}
	if totals.SawAny {
		if totals.SawPromptTokens {
			metadata["prompt_tokens"] = totals.PromptTokens
		}
		if totals.SawCompletion {
			metadata["completion_tokens"] = totals.CompletionTokens
		}
		metadata["total_tokens"] = totals.TotalTokens
	}

	return &Outcome{ChosenIndex: chosenIndex, Metadata: metadata}, nil
}

// PathSoFar builds the path-so-far list from a run's recorded step
// articles, collapsing consecutive repeats (non-adjacent repeats are kept)
// and prefixing the room's start article if the steps don't already begin
// there.
func PathSoFar(startArticle string, stepArticles []string) []string {
	var path []string
	for _, article := range stepArticles {
		if article == "" {
			continue
		}
		if len(path) > 0 && path[len(path)-1] == article {
			continue
		}
		path = append(path, article)
	}

	start := strings.TrimSpace(startArticle)
	if len(path) == 0 {
		if start == "" {
			return nil
		}
		return []string{start}
	}
	if start != "" && path[0] != start {
		path = append([]string{start}, path...)
	}
	return path
}
