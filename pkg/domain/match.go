package domain

import (
	"math"
	"sort"
	"time"
)

// matchRank carries the sort keys computed for one eligible animal.
type matchRank struct {
	animal       Animal
	strainRank   int
	genotypeRank int
	centrality   float64
}

// MatchAnimals returns the subset of candidates eligible under the criteria,
// ordered by preference: primary strain/genotype matches first, then
// alternatives in the order supplied, ties broken by ascending age-window
// centrality, and finally by animal id so repeated calls over an unchanged
// pool produce identical orderings.
//
// Only active animals are considered. Animals without a recorded birth date
// are excluded from age-filtered searches but participate in unfiltered ones.
// MatchAnimals is read-only and safe for concurrent use.
func MatchAnimals(c Criteria, candidates []Animal, asOf time.Time) []Animal {
	ranked := make([]matchRank, 0, len(candidates))
	for _, animal := range candidates {
		if animal.Status != AnimalActive {
			continue
		}
		if animal.Species != c.Species {
			continue
		}
		if !c.sexMatches(animal.Sex) {
			continue
		}
		sRank, ok := c.strainRank(animal.Strain)
		if !ok {
			continue
		}
		gRank, ok := c.genotypeRank(animal.Genotype)
		if !ok {
			continue
		}
		centrality := 0.0
		if c.HasAgeWindow() {
			age, known := animal.AgeDays(asOf)
			if !known {
				continue
			}
			if c.MinAgeDays != nil && age < *c.MinAgeDays {
				continue
			}
			if c.MaxAgeDays != nil && age > *c.MaxAgeDays {
				continue
			}
			centrality = math.Abs(float64(age) - windowMidpoint(c))
		}
		ranked = append(ranked, matchRank{
			animal:       animal,
			strainRank:   sRank,
			genotypeRank: gRank,
			centrality:   centrality,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.strainRank != b.strainRank {
			return a.strainRank < b.strainRank
		}
		if a.genotypeRank != b.genotypeRank {
			return a.genotypeRank < b.genotypeRank
		}
		if a.centrality != b.centrality {
			return a.centrality < b.centrality
		}
		return a.animal.ID < b.animal.ID
	})

	out := make([]Animal, len(ranked))
	for i, r := range ranked {
		out[i] = r.animal
	}
	return out
}

// windowMidpoint computes the centrality anchor for the requested age window.
// A one-sided window anchors on its single bound.
func windowMidpoint(c Criteria) float64 {
	switch {
	case c.MinAgeDays != nil && c.MaxAgeDays != nil:
		return (float64(*c.MinAgeDays) + float64(*c.MaxAgeDays)) / 2
	case c.MinAgeDays != nil:
		return float64(*c.MinAgeDays)
	case c.MaxAgeDays != nil:
		return float64(*c.MaxAgeDays)
	default:
		return 0
	}
}

// MatchesCriteria reports whether a single animal satisfies the criteria at
// the given instant. It applies the same eligibility filters as MatchAnimals
// without ranking.
func MatchesCriteria(c Criteria, animal Animal, asOf time.Time) bool {
	matches := MatchAnimals(c, []Animal{animal}, asOf)
	return len(matches) == 1
}
