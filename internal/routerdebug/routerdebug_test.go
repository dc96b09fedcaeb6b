package routerdebug

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse_Success(t *testing.T) {
	tests := []struct {
		name   string
		envVal string
		want   map[string]string
	}{
		{
			name:   "Basic",
			envVal: "streamtrace=1,noeviction=1",
			want: map[string]string{
				"streamtrace": "1",
				"noeviction":  "1",
			},
		},
		{
			name:   "Empty",
			envVal: "",
			want:   nil,
		},
		{
			name:   "WithWhitespace",
			envVal: "  streamtrace = 1  \t,  noeviction  = 0  ",
			want: map[string]string{
				"streamtrace": "1",
				"noeviction":  "0",
			},
		},
		{
			name:   "WithEqualsSignInValue",
			envVal: "foo=bar=baz",
			want: map[string]string{
				"foo": "bar=baz",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parse(tt.envVal)
			if err != nil {
				t.Fatalf("parse() failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParse_Failure(t *testing.T) {
	tests := []struct {
		name   string
		envVal string
	}{
		{name: "NoEqualsSign", envVal: "invalidformat"},
		{name: "MixedValidAndInvalid", envVal: "streamtrace=1,bogus"},
		{name: "EmptyPart", envVal: "streamtrace=1,,noeviction=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parse(tt.envVal); err == nil {
				t.Error("parse() expected error, got nil")
			}
		})
	}
}
