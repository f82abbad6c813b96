package capture_test

import (
	"testing"

	"strand/internal/config"
	"strand/internal/services/capture"
)

func TestClassifierVerdicts(t *testing.T) {
	classifier := capture.NewClassifier(config.Default().Capture)

	cases := []struct {
		name     string
		result   capture.Result
		expected capture.Verdict
	}{
		{
			name:     "clean exit is source ended",
			result:   capture.Result{ExitCode: 0},
			expected: capture.VerdictSourceEnded,
		},
		{
			name: "stream ended signature",
			result: capture.Result{
				ExitCode: 1,
				Output:   "[cli][info] Stream ended",
				Err:      &capture.ExitError{Code: 1},
			},
			expected: capture.VerdictSourceEnded,
		},
		{
			name: "offline stream is source ended",
			result: capture.Result{
				ExitCode: 1,
				Output:   "error: This stream is OFFLINE",
				Err:      &capture.ExitError{Code: 1},
			},
			expected: capture.VerdictSourceEnded,
		},
		{
			name: "connection refused is transient",
			result: capture.Result{
				ExitCode: 1,
				Output:   "error: Unable to open URL: connection refused",
				Err:      &capture.ExitError{Code: 1},
			},
			expected: capture.VerdictTransient,
		},
		{
			name: "proxy error is transient",
			result: capture.Result{
				ExitCode: 1,
				Output:   "urllib3 ProxyError: proxy error during CONNECT",
				Err:      &capture.ExitError{Code: 1},
			},
			expected: capture.VerdictTransient,
		},
		{
			name: "unmatched nonzero exit is transient",
			result: capture.Result{
				ExitCode: 2,
				Output:   "something unexpected happened",
				Err:      &capture.ExitError{Code: 2},
			},
			expected: capture.VerdictTransient,
		},
		{
			name: "disk full is fatal",
			result: capture.Result{
				ExitCode: 1,
				Output:   "OSError: No space left on device",
				Err:      &capture.ExitError{Code: 1},
			},
			expected: capture.VerdictFatal,
		},
		{
			name: "fatal beats transient in mixed output",
			result: capture.Result{
				ExitCode: 1,
				Output:   "Connection timed out\nPermission denied",
				Err:      &capture.ExitError{Code: 1},
			},
			expected: capture.VerdictFatal,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if verdict := classifier.Classify(tc.result); verdict != tc.expected {
				t.Fatalf("expected %s, got %s", tc.expected, verdict)
			}
		})
	}
}

func TestClassifierCustomSignatures(t *testing.T) {
	cfg := config.Capture{
		TransientSignatures: []string{"relay rejected"},
		SourceEndSignatures: []string{"broadcast finished"},
		FatalSignatures:     []string{"license expired"},
	}
	classifier := capture.NewClassifier(cfg)

	if v := classifier.Classify(capture.Result{ExitCode: 1, Err: &capture.ExitError{Code: 1}, Output: "RELAY REJECTED by upstream"}); v != capture.VerdictTransient {
		t.Fatalf("expected transient, got %s", v)
	}
	if v := classifier.Classify(capture.Result{ExitCode: 0, Output: "broadcast finished"}); v != capture.VerdictSourceEnded {
		t.Fatalf("expected source ended, got %s", v)
	}
	if v := classifier.Classify(capture.Result{ExitCode: 0, Output: "license expired"}); v != capture.VerdictFatal {
		t.Fatalf("expected fatal, got %s", v)
	}
}
