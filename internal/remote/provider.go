package remote

import (
	"context"
	"errors"

	"github.com/aweris/depres/internal/resolve"
	"github.com/aweris/depres/internal/version"
)

type provider struct {
	f Fetcher
}

// NewProvider adapts f to the resolver. Unknown packages yield no
// candidates; other fetch errors abort resolution.
func NewProvider(f Fetcher) resolve.Provider {
	return provider{f: f}
}

func (p provider) Candidates(ctx context.Context, name resolve.Name, spec version.Spec) ([]resolve.Candidate, error) {
	cands, err := p.f.FetchMetadata(ctx, name, spec)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := cands[:0]
	for _, c := range cands {
		if spec.Allows(c.Version) {
			out = append(out, c)
		}
	}
	return out, nil
}
