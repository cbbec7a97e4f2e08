package domain

// Criteria is the attribute constraint tuple a request uses to select
// animals: exact species, ordered strain preference (primary first), sex
// preference, ordered genotype preference, and an optional age window in
// days evaluated against birth dates at query time.
type Criteria struct {
	Species              string        `json:"species"`
	Strain               string        `json:"strain"`
	StrainAlternatives   []string      `json:"strain_alternatives,omitempty"`
	SexPreference        SexPreference `json:"sex_preference"`
	Genotype             *string       `json:"genotype"`
	GenotypeAlternatives []string      `json:"genotype_alternatives,omitempty"`
	MinAgeDays           *int          `json:"min_age_days"`
	MaxAgeDays           *int          `json:"max_age_days"`
}

// Validate rejects malformed criteria before they reach matching or the
// ledger.
func (c Criteria) Validate() error {
	if c.Species == "" {
		return ValidationError{Field: "species", Message: "required"}
	}
	if c.Strain == "" {
		return ValidationError{Field: "strain", Message: "required"}
	}
	for _, alt := range c.StrainAlternatives {
		if alt == "" {
			return ValidationError{Field: "strain_alternatives", Message: "must not contain empty entries"}
		}
	}
	for _, alt := range c.GenotypeAlternatives {
		if alt == "" {
			return ValidationError{Field: "genotype_alternatives", Message: "must not contain empty entries"}
		}
	}
	if c.Genotype == nil && len(c.GenotypeAlternatives) > 0 {
		return ValidationError{Field: "genotype", Message: "required when alternatives are supplied"}
	}
	switch c.SexPreference {
	case SexAny, PreferMales, PreferFemales, "":
	default:
		return ValidationError{Field: "sex_preference", Message: "must be any, M or F"}
	}
	if c.MinAgeDays != nil && *c.MinAgeDays < 0 {
		return ValidationError{Field: "min_age_days", Message: "must be non-negative"}
	}
	if c.MaxAgeDays != nil && *c.MaxAgeDays < 0 {
		return ValidationError{Field: "max_age_days", Message: "must be non-negative"}
	}
	if c.MinAgeDays != nil && c.MaxAgeDays != nil && *c.MinAgeDays > *c.MaxAgeDays {
		return ValidationError{Field: "min_age_days", Message: "exceeds max_age_days"}
	}
	return nil
}

// HasAgeWindow reports whether either age bound is set.
func (c Criteria) HasAgeWindow() bool {
	return c.MinAgeDays != nil || c.MaxAgeDays != nil
}

// strainRank returns the preference position of the animal's strain:
// 0 for the primary strain, i+1 for the i-th alternative. The second return
// is false when the strain is not acceptable at all.
func (c Criteria) strainRank(strain string) (int, bool) {
	if strain == c.Strain {
		return 0, true
	}
	for i, alt := range c.StrainAlternatives {
		if strain == alt {
			return i + 1, true
		}
	}
	return 0, false
}

// genotypeRank mirrors strainRank for genotypes. Criteria without a genotype
// constraint accept every animal at rank 0.
func (c Criteria) genotypeRank(genotype *string) (int, bool) {
	if c.Genotype == nil {
		return 0, true
	}
	if genotype == nil {
		return 0, false
	}
	if *genotype == *c.Genotype {
		return 0, true
	}
	for i, alt := range c.GenotypeAlternatives {
		if *genotype == alt {
			return i + 1, true
		}
	}
	return 0, false
}

func (c Criteria) sexMatches(sex Sex) bool {
	switch c.SexPreference {
	case "", SexAny:
		return true
	case PreferMales:
		return sex == SexMale
	case PreferFemales:
		return sex == SexFemale
	default:
		return false
	}
}
