package automation

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/liyaqa/drip-engine/internal/domain"
)

var hrefPattern = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)

// NewToken returns 32 random bytes hex-encoded.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// InstrumentEmail creates one OPEN token for the message and one CLICK token
// per distinct absolute link in body. Links are rewritten to the click
// endpoint under baseURL and the open pixel is appended. With an empty
// baseURL the body is returned unchanged but tokens are still created.
func InstrumentEmail(body, messageLogID, baseURL string, now time.Time) (string, []domain.TrackingToken, error) {
	base := strings.TrimRight(baseURL, "/")

	open, err := NewToken()
	if err != nil {
		return body, nil, err
	}
	tokens := []domain.TrackingToken{{
		Token:        open,
		MessageLogID: messageLogID,
		Type:         domain.TokenOpen,
		CreatedAt:    now,
	}}

	byURL := make(map[string]string)
	for _, m := range hrefPattern.FindAllStringSubmatch(body, -1) {
		target := m[1]
		if _, seen := byURL[target]; seen {
			continue
		}
		tok, err := NewToken()
		if err != nil {
			return body, nil, err
		}
		byURL[target] = tok
		tokens = append(tokens, domain.TrackingToken{
			Token:        tok,
			MessageLogID: messageLogID,
			Type:         domain.TokenClick,
			TargetURL:    target,
			CreatedAt:    now,
		})
	}

	if base == "" {
		return body, tokens, nil
	}

	out := hrefPattern.ReplaceAllStringFunc(body, func(attr string) string {
		target := hrefPattern.FindStringSubmatch(attr)[1]
		return fmt.Sprintf(`href="%s/t/c/%s"`, base, byURL[target])
	})

	pixel := fmt.Sprintf(`<img src="%s/t/o/%s" width="1" height="1" alt="" style="display:none" />`, base, open)
	if i := strings.LastIndex(strings.ToLower(out), "</body>"); i >= 0 {
		out = out[:i] + pixel + out[i:]
	} else {
		out += pixel
	}
	return out, tokens, nil
}
