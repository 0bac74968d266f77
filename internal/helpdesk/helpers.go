package helpdesk

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func decodeBase64Loose(s string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// newLinearBackoff returns a backoff.BackOff producing step, 2*step,
// 3*step, ... on successive calls. The media POST retry wants linear
// spacing, not exponential, so this wraps it as a backoff.BackOff to
// compose with backoff.Retry/WithMaxRetries like the other retry call
// sites.
func newLinearBackoff(step time.Duration) backoff.BackOff {
	return &linearBackOff{step: step}
}

type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return l.step * time.Duration(l.attempt)
}

func (l *linearBackOff) Reset() {
	l.attempt = 0
}
