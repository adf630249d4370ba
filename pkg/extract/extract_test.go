package extract

import (
	"errors"
	"testing"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		want       Kind
		response   string
		errMsg     string
		bestEffort bool
	}{
		{
			name:     "marker success",
			output:   `FINAL_RESULT: {"response": "Hello"}`,
			want:     MarkerSuccess,
			response: "Hello",
		},
		{
			name: "marker success among logs",
			output: "2026-01-01 INFO starting\n" +
				"2026-01-01 INFO tool call\n" +
				`FINAL_RESULT: {"response": "Try the dosa at CTR."}` + "\n" +
				"2026-01-01 INFO done\n",
			want:     MarkerSuccess,
			response: "Try the dosa at CTR.",
		},
		{
			name:   "marker error",
			output: `FINAL_ERROR: {"error": "boom"}`,
			want:   MarkerError,
			errMsg: "boom",
		},
		{
			name:     "marker wins over legacy",
			output:   `{"response": "legacy"}` + "\n" + `FINAL_RESULT: {"response": "marker"}`,
			want:     MarkerSuccess,
			response: "marker",
		},
		{
			name:     "marker success wins over marker error",
			output:   `FINAL_ERROR: {"error": "e"}` + "\n" + `FINAL_RESULT: {"response": "ok"}`,
			want:     MarkerSuccess,
			response: "ok",
		},
		{
			name:     "broken marker falls through to legacy",
			output:   `FINAL_RESULT: {not json}` + "\n" + `{"response": "legacy"}`,
			want:     LegacySuccess,
			response: "legacy",
		},
		{
			name:     "legacy success",
			output:   "noise\n" + `{"response": "from legacy"}` + "\nmore noise",
			want:     LegacySuccess,
			response: "from legacy",
		},
		{
			name:   "legacy error",
			output: "noise\n" + `{"error": "legacy boom"}`,
			want:   LegacyError,
			errMsg: "legacy boom",
		},
		{
			name:       "bot prefix",
			output:     "loading\nBot: Welcome!\nshutdown complete",
			want:       BotPrefixFallback,
			response:   "Welcome!",
			bestEffort: true,
		},
		{
			name:       "empty bot prefix skipped",
			output:     "Bot: \nlast words",
			want:       LastLineFallback,
			response:   "last words",
			bestEffort: true,
		},
		{
			name:       "last line",
			output:     "first\nsecond\n  final answer  \n\n\n",
			want:       LastLineFallback,
			response:   "final answer",
			bestEffort: true,
		},
		{
			name:       "json without response field is not a success",
			output:     `FINAL_RESULT: {"answer": "x"}`,
			want:       LastLineFallback,
			response:   `FINAL_RESULT: {"answer": "x"}`,
			bestEffort: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.output)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if got.Strategy != tt.want {
				t.Errorf("strategy = %s, want %s", got.Strategy, tt.want)
			}
			if got.Response != tt.response {
				t.Errorf("response = %q, want %q", got.Response, tt.response)
			}
			if got.Error != tt.errMsg {
				t.Errorf("error = %q, want %q", got.Error, tt.errMsg)
			}
			if got.IsError != (tt.errMsg != "") {
				t.Errorf("IsError = %v", got.IsError)
			}
			if got.BestEffort != tt.bestEffort {
				t.Errorf("BestEffort = %v, want %v", got.BestEffort, tt.bestEffort)
			}
		})
	}
}

func TestExtractNothing(t *testing.T) {
	for _, in := range []string{"", "\n\n", "   \n\t\n"} {
		if _, err := Extract(in); !errors.Is(err, ErrNoResponse) {
			t.Errorf("Extract(%q) err = %v, want ErrNoResponse", in, err)
		}
	}
}

func TestMarkerErrorCarriesTraceback(t *testing.T) {
	out := `FINAL_ERROR: {"error": "kaput", "traceback": "Traceback (most recent call last):\n  ..."}`
	got, err := Extract(out)
	if err != nil {
		t.Fatal(err)
	}
	if got.Detail == "" {
		t.Error("expected traceback in Detail")
	}
}

func TestStagesIndependently(t *testing.T) {
	byKind := make(map[Kind]Strategy)
	for _, s := range Strategies() {
		byKind[s.Kind] = s
	}

	if _, ok := byKind[MarkerSuccess].Fn(`{"response": "bare"}`); ok {
		t.Error("MarkerSuccess matched output without marker")
	}
	if _, ok := byKind[LegacyError].Fn(`{"response": "x"}`); ok {
		t.Error("LegacyError matched a success object")
	}
	if r, ok := byKind[BotPrefixFallback].Fn("Bot: hi there"); !ok || r.Response != "hi there" {
		t.Errorf("BotPrefixFallback = %+v, %v", r, ok)
	}
	if _, ok := byKind[LastLineFallback].Fn(""); ok {
		t.Error("LastLineFallback matched empty output")
	}
}

func TestRunCustomOrder(t *testing.T) {
	strategies := []Strategy{
		{Kind: LastLineFallback, Fn: lastLine},
		{Kind: MarkerSuccess, Fn: matchSuccess(MarkerSuccess, markerSuccessRe, 1)},
	}
	got, err := Run(strategies, `FINAL_RESULT: {"response": "x"}`+"\ntail")
	if err != nil {
		t.Fatal(err)
	}
	if got.Strategy != LastLineFallback || got.Response != "tail" {
		t.Errorf("got %+v", got)
	}
}
