package supplier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/mindrace/internal/bitblock"
	"github.com/banshee-data/mindrace/internal/httputil"
)

// DefaultRandomOrgURL is the integer generator endpoint.
const DefaultRandomOrgURL = "https://www.random.org/integers/"

// randomOrgMaxNum is the most integers the service returns per request.
const randomOrgMaxNum = 10000

// RandomOrg fetches bits as 0/1 integers from random.org, one per line.
type RandomOrg struct {
	Client  httputil.HTTPClient
	BaseURL string
}

// NewRandomOrg returns a supplier using client against baseURL (or the
// public service when empty).
func NewRandomOrg(client httputil.HTTPClient, baseURL string) *RandomOrg {
	if baseURL == "" {
		baseURL = DefaultRandomOrgURL
	}
	return &RandomOrg{Client: client, BaseURL: baseURL}
}

func (r *RandomOrg) Name() string { return string(SourceRandomOrg) }

// Fetch requests n integers in [0, 1], splitting large requests to stay
// within the service limit.
func (r *RandomOrg) Fetch(ctx context.Context, n int) (Batch, error) {
	if err := checkCount(n); err != nil {
		return Batch{}, err
	}
	bits := make([]uint8, 0, n)
	for len(bits) < n {
		chunk := min(n-len(bits), randomOrgMaxNum)
		got, err := r.fetchChunk(ctx, chunk)
		if err != nil {
			return Batch{}, err
		}
		bits = append(bits, got...)
	}
	return Batch{Bits: bits, Live: true, Source: r.Name()}, nil
}

func (r *RandomOrg) fetchChunk(ctx context.Context, n int) ([]uint8, error) {
	u, err := r.requestURL(n)
	if err != nil {
		return nil, err
	}
	body, err := httputil.GetText(ctx, r.Client, u)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if httputil.IsStatus(err, http.StatusServiceUnavailable) {
			// random.org answers 503 once the daily bit quota is spent
			return nil, unavailable(r.Name(), fmt.Errorf("quota exhausted: %w", err))
		}
		return nil, unavailable(r.Name(), err)
	}
	bits, err := ParseIntegers(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.Name(), err)
	}
	if len(bits) != n {
		return nil, fmt.Errorf("%s: %w: asked for %d bits, got %d", r.Name(), bitblock.ErrInvalidInput, n, len(bits))
	}
	return bits, nil
}

func (r *RandomOrg) requestURL(n int) (string, error) {
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return "", fmt.Errorf("%s: invalid url %q: %w", r.Name(), r.BaseURL, err)
	}
	q := u.Query()
	q.Set("num", strconv.Itoa(n))
	q.Set("min", "0")
	q.Set("max", "1")
	q.Set("col", "1")
	q.Set("base", "10")
	q.Set("format", "plain")
	q.Set("rnd", "new")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseIntegers reads whitespace-separated 0/1 tokens.
func ParseIntegers(body string) ([]uint8, error) {
	fields := strings.Fields(body)
	bits := make([]uint8, len(fields))
	for i, f := range fields {
		switch f {
		case "0":
		case "1":
			bits[i] = 1
		default:
			return nil, fmt.Errorf("%w: token %d is %q, want 0 or 1", bitblock.ErrInvalidInput, i, f)
		}
	}
	return bits, nil
}
