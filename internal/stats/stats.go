// Package stats provides the per-player statistics the classifier turns into
// model inputs. Backends are selected by URL: mem://, sqlite:// and
// postgres://.
package stats

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports that no stats exist for a login.
	ErrNotFound = errors.New("stats: login not found")
	// ErrUnavailable reports that the backing store cannot be reached. It is
	// transient: a later lookup may succeed.
	ErrUnavailable = errors.New("stats: store unavailable")
)

// Feature names one statistic usable as a model input.
type Feature string

const (
	FeatureVisits        Feature = "visits"
	FeaturePlayTime      Feature = "play_time"
	FeatureFinishes      Feature = "finishes"
	FeatureLocals        Feature = "locals"
	FeatureWins          Feature = "wins"
	FeatureScore         Feature = "score"
	FeatureRank          Feature = "rank"
	FeatureRecordRankAvg Feature = "record_rank_avg"
	FeatureNumPBs        Feature = "num_pbs"
)

// DefaultFeatures is the input selection used when none is configured.
const DefaultFeatures = "finishes,locals,wins,score,rank"

// AllFeatures lists every known feature in canonical order.
func AllFeatures() []Feature {
	return []Feature{
		FeatureVisits, FeaturePlayTime, FeatureFinishes, FeatureLocals, FeatureWins,
		FeatureScore, FeatureRank, FeatureRecordRankAvg, FeatureNumPBs,
	}
}

// ParseFeatures parses a comma separated feature list. Order is preserved and
// duplicates are rejected.
func ParseFeatures(raw string) ([]Feature, error) {
	known := make(map[Feature]struct{})
	for _, f := range AllFeatures() {
		known[f] = struct{}{}
	}
	var out []Feature
	seen := make(map[Feature]struct{})
	for _, part := range strings.Split(raw, ",") {
		f := Feature(strings.ToLower(strings.TrimSpace(part)))
		if f == "" {
			continue
		}
		if _, ok := known[f]; !ok {
			return nil, fmt.Errorf("stats: unknown feature %q", f)
		}
		if _, dup := seen[f]; dup {
			return nil, fmt.Errorf("stats: duplicate feature %q", f)
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, errors.New("stats: no features selected")
	}
	return out, nil
}

// Stats holds one player's statistics.
type Stats struct {
	ID            int64   `yaml:"id"`
	Login         string  `yaml:"login"`
	Visits        float64 `yaml:"visits"`
	PlayTime      float64 `yaml:"play_time"`
	Finishes      float64 `yaml:"finishes"`
	Locals        float64 `yaml:"locals"`
	Wins          float64 `yaml:"wins"`
	Score         float64 `yaml:"score"`
	Rank          float64 `yaml:"rank"`
	RecordRankAvg float64 `yaml:"record_rank_avg"`
	NumPBs        float64 `yaml:"num_pbs"`
}

// Value returns the statistic named by f.
func (s Stats) Value(f Feature) float64 {
	switch f {
	case FeatureVisits:
		return s.Visits
	case FeaturePlayTime:
		return s.PlayTime
	case FeatureFinishes:
		return s.Finishes
	case FeatureLocals:
		return s.Locals
	case FeatureWins:
		return s.Wins
	case FeatureScore:
		return s.Score
	case FeatureRank:
		return s.Rank
	case FeatureRecordRankAvg:
		return s.RecordRankAvg
	case FeatureNumPBs:
		return s.NumPBs
	default:
		return 0
	}
}

// Vector returns the values of features in order.
func (s Stats) Vector(features []Feature) []float64 {
	out := make([]float64, len(features))
	for i, f := range features {
		out[i] = s.Value(f)
	}
	return out
}

// Store looks up player statistics. Lookup returns ErrNotFound for unknown
// logins and an error wrapping ErrUnavailable when the store is unreachable.
// Only the aggregates named in features are guaranteed to be computed.
type Store interface {
	Lookup(ctx context.Context, login string, features []Feature) (Stats, error)
	Close() error
}

func wants(features []Feature, f Feature) bool {
	for _, candidate := range features {
		if candidate == f {
			return true
		}
	}
	return false
}
