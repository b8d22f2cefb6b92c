package identity

import (
	"fmt"
	"os"

	"github.com/lalith-99/echocore/internal/models"
	"gopkg.in/yaml.v3"
)

// Rank is one row of the resolution ranking table.
type Rank struct {
	Kind       models.IdentifierKind `yaml:"kind"`
	Confidence float64               `yaml:"confidence"`
}

// Ranking is the ordered list of identifier kinds the resolver tries. The
// first row that matches a live customer wins.
type Ranking []Rank

// DefaultRanking puts phone and email ahead of platform ids: platform ids are
// exact but can rotate, while a verified phone or address rarely does.
func DefaultRanking() Ranking {
	return Ranking{
		{Kind: models.KindPhone, Confidence: 0.95},
		{Kind: models.KindEmail, Confidence: 0.90},
		{Kind: models.KindInstagram, Confidence: 0.85},
		{Kind: models.KindFacebook, Confidence: 0.80},
		{Kind: models.KindTikTok, Confidence: 0.75},
	}
}

// Validate requires every identifier kind exactly once, in non-increasing
// confidence order, with confidences in (0, 1].
func (r Ranking) Validate() error {
	seen := make(map[models.IdentifierKind]bool, len(r))
	for i, row := range r {
		if !row.Kind.Valid() {
			return fmt.Errorf("ranking row %d: unknown kind %q", i, row.Kind)
		}
		if seen[row.Kind] {
			return fmt.Errorf("ranking row %d: duplicate kind %q", i, row.Kind)
		}
		seen[row.Kind] = true
		if row.Confidence <= 0 || row.Confidence > 1 {
			return fmt.Errorf("ranking row %d: confidence %v out of range", i, row.Confidence)
		}
		if i > 0 && row.Confidence > r[i-1].Confidence {
			return fmt.Errorf("ranking row %d: confidence %v ranks above previous row", i, row.Confidence)
		}
	}
	for _, kind := range models.IdentifierKinds {
		if !seen[kind] {
			return fmt.Errorf("ranking: missing kind %q", kind)
		}
	}
	return nil
}

// Confidence returns the confidence assigned to kind.
func (r Ranking) Confidence(kind models.IdentifierKind) float64 {
	for _, row := range r {
		if row.Kind == kind {
			return row.Confidence
		}
	}
	return 0
}

type rankingFile struct {
	Ranking Ranking `yaml:"ranking"`
}

// LoadRanking reads a ranking table from a YAML file of the form
//
//	ranking:
//	  - kind: phone
//	    confidence: 0.95
//	  - kind: email
//	    confidence: 0.9
//	  ...
func LoadRanking(path string) (Ranking, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ranking file: %w", err)
	}
	var f rankingFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse ranking file: %w", err)
	}
	if err := f.Ranking.Validate(); err != nil {
		return nil, err
	}
	return f.Ranking, nil
}
