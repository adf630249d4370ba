// Package extract recovers the agent's answer from its captured stdout.
//
// The agent interleaves diagnostic logging with its answer on one stream, so
// extraction is a cascade of strategies tried in order. Marker strategies are
// exact. The legacy strategies accept a bare JSON object. The two fallbacks
// (Bot prefix, last line) are best effort only: an agent that ends its output
// with an unmarked log line will have that line returned as its answer.
package extract

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNoResponse is returned when no strategy matches.
var ErrNoResponse = errors.New("could not extract response from output")

// Kind names an extraction strategy.
type Kind string

const (
	MarkerSuccess     Kind = "MarkerSuccess"
	MarkerError       Kind = "MarkerError"
	LegacySuccess     Kind = "LegacySuccess"
	LegacyError       Kind = "LegacyError"
	BotPrefixFallback Kind = "BotPrefixFallback"
	LastLineFallback  Kind = "LastLineFallback"
)

// Result is what a strategy recovered.
type Result struct {
	Strategy   Kind   `json:"strategy"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
	Detail     string `json:"detail,omitempty"` // traceback of an error payload
	IsError    bool   `json:"is_error"`
	BestEffort bool   `json:"best_effort"`
}

// Strategy is one stage of the cascade.
type Strategy struct {
	Kind Kind
	Fn   func(text string) (Result, bool)
}

var (
	markerSuccessRe = regexp.MustCompile(`FINAL_RESULT: (\{.*\})`)
	markerErrorRe   = regexp.MustCompile(`FINAL_ERROR: (\{.*\})`)
	legacySuccessRe = regexp.MustCompile(`\{\s*"response"\s*:.*\}`)
	legacyErrorRe   = regexp.MustCompile(`\{\s*"error"\s*:.*\}`)
	botPrefixRe     = regexp.MustCompile(`(?m)Bot: (.*)$`)
)

// Strategies returns the default cascade in priority order.
func Strategies() []Strategy {
	return []Strategy{
		{MarkerSuccess, matchSuccess(MarkerSuccess, markerSuccessRe, 1)},
		{MarkerError, matchError(MarkerError, markerErrorRe, 1)},
		{LegacySuccess, matchSuccess(LegacySuccess, legacySuccessRe, 0)},
		{LegacyError, matchError(LegacyError, legacyErrorRe, 0)},
		{BotPrefixFallback, botPrefix},
		{LastLineFallback, lastLine},
	}
}

// Extract runs the default cascade over text.
func Extract(text string) (Result, error) {
	return Run(Strategies(), text)
}

// Run tries each strategy in order and returns the first match.
func Run(strategies []Strategy, text string) (Result, error) {
	for _, s := range strategies {
		if r, ok := s.Fn(text); ok {
			r.Strategy = s.Kind
			return r, nil
		}
	}
	return Result{}, ErrNoResponse
}

type successPayload struct {
	Response *string `json:"response"`
}

type errorPayload struct {
	Error     *string `json:"error"`
	Traceback string  `json:"traceback"`
}

func matchSuccess(kind Kind, re *regexp.Regexp, group int) func(string) (Result, bool) {
	return func(text string) (Result, bool) {
		m := re.FindStringSubmatch(text)
		if m == nil {
			return Result{}, false
		}
		var p successPayload
		if err := json.Unmarshal([]byte(m[group]), &p); err != nil || p.Response == nil {
			return Result{}, false
		}
		return Result{Strategy: kind, Response: *p.Response}, true
	}
}

func matchError(kind Kind, re *regexp.Regexp, group int) func(string) (Result, bool) {
	return func(text string) (Result, bool) {
		m := re.FindStringSubmatch(text)
		if m == nil {
			return Result{}, false
		}
		var p errorPayload
		if err := json.Unmarshal([]byte(m[group]), &p); err != nil || p.Error == nil {
			return Result{}, false
		}
		return Result{Strategy: kind, Error: *p.Error, Detail: p.Traceback, IsError: true}, true
	}
}

func botPrefix(text string) (Result, bool) {
	for _, m := range botPrefixRe.FindAllStringSubmatch(text, -1) {
		reply := strings.TrimSpace(m[1])
		if reply != "" {
			return Result{Strategy: BotPrefixFallback, Response: reply, BestEffort: true}, true
		}
	}
	return Result{}, false
}

func lastLine(text string) (Result, bool) {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return Result{Strategy: LastLineFallback, Response: l, BestEffort: true}, true
		}
	}
	return Result{}, false
}
