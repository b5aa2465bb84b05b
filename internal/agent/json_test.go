package agent

import (
	"errors"
	"testing"
)

type verdict struct {
	Complete  bool     `json:"complete"`
	FollowUps []string `json:"follow_ups"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    verdict
		wantErr bool
	}{
		{
			name: "bare object",
			text: `{"complete": true, "follow_ups": []}`,
			want: verdict{Complete: true, FollowUps: []string{}},
		},
		{
			name: "fenced block wins over earlier braces",
			text: "Looking at {the diff}...\n```json\n{\"complete\": false, \"follow_ups\": [\"add tests\"]}\n```",
			want: verdict{FollowUps: []string{"add tests"}},
		},
		{
			name: "object embedded in prose with braces inside strings",
			text: `Verdict follows {"complete": false, "follow_ups": ["handle } in input"]} done`,
			want: verdict{FollowUps: []string{"handle } in input"}},
		},
		{
			name: "fenced block whose strings contain fences",
			text: "Here is the result:\n```json\n{\"complete\": false, \"follow_ups\": [\"```go\\nfunc main() {}\\n```\"]}\n```\nDone.",
			want: verdict{FollowUps: []string{"```go\nfunc main() {}\n```"}},
		},
		{
			name:    "no object",
			text:    "I could not finish.",
			wantErr: true,
		},
		{
			name:    "unbalanced",
			text:    `{"complete": true`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got verdict
			err := DecodeJSON(tt.text, &got)
			if tt.wantErr {
				if !errors.Is(err, ErrUnverifiable) {
					t.Fatalf("err = %v, want ErrUnverifiable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeJSON: %v", err)
			}
			if got.Complete != tt.want.Complete || len(got.FollowUps) != len(tt.want.FollowUps) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			for i := range got.FollowUps {
				if got.FollowUps[i] != tt.want.FollowUps[i] {
					t.Errorf("FollowUps[%d] = %q", i, got.FollowUps[i])
				}
			}
		})
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != FailureNone {
		t.Error("nil should classify as none")
	}
	if Classify(errors.New("boom")) != FailureOther {
		t.Error("plain error should classify as other")
	}
	if Classify(DecodeJSON("nope", &verdict{})) != FailureUnverifiable {
		t.Error("decode failure should classify as unverifiable")
	}
}
